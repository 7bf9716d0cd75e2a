package merge

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/auth"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Merge topology changes are admin-only.
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/merges", h.MergeIdentities)
	adminGroup.POST("/identities/:id/unlink", h.UnlinkIdentity)

	readGroup := api.Group("", auth.RequireRole("admin", "clinician", "registrar"))
	readGroup.GET("/identities/:id/links", h.ListLinked)
}

type mergeRequest struct {
	MasterID    uuid.UUID `json:"master_id"`
	DuplicateID uuid.UUID `json:"duplicate_id"`
}

func (h *Handler) MergeIdentities(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MasterID == uuid.Nil || req.DuplicateID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "master_id and duplicate_id are required")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	master, err := h.engine.Merge(c.Request().Context(), req.MasterID, req.DuplicateID, actor)
	if err != nil {
		return mergeHTTPError(err)
	}
	return c.JSON(http.StatusOK, master)
}

func (h *Handler) UnlinkIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	restored, err := h.engine.Unlink(c.Request().Context(), id, actor)
	if err != nil {
		return mergeHTTPError(err)
	}
	return c.JSON(http.StatusOK, restored)
}

func (h *Handler) ListLinked(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	linked, err := h.engine.Linked(c.Request().Context(), id)
	if err != nil {
		return mergeHTTPError(err)
	}
	return c.JSON(http.StatusOK, linked)
}

func mergeHTTPError(err error) *echo.HTTPError {
	var (
		cerr *identity.ConflictError
		merr *identity.MergeIntegrityError
	)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "identity not found")
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, cerr.Error())
	case errors.As(err, &merr):
		return echo.NewHTTPError(http.StatusConflict, merr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
