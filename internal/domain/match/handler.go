package match

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/pkg/pagination"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Ingestion – admin, registrar, and integration service accounts
	ingestGroup := api.Group("", auth.RequireRole("admin", "registrar", "integration"))
	ingestGroup.POST("/identities/resolve", h.ResolveIdentity)

	// Review queue reads – admin, clinician, registrar
	readGroup := api.Group("", auth.RequireRole("admin", "clinician", "registrar"))
	readGroup.GET("/matches/pending", h.ListPendingMatches)
	readGroup.GET("/matches/:id", h.GetMatch)

	// Review decisions – admin, registrar
	decideGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	decideGroup.POST("/matches/:id/confirm", h.ConfirmMatch)
	decideGroup.POST("/matches/:id/reject", h.RejectMatch)
}

func (h *Handler) ResolveIdentity(c echo.Context) error {
	var in ResolveInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Actor = auth.UserIDFromContext(c.Request().Context())
	res, err := h.resolver.Resolve(c.Request().Context(), in)
	if err != nil {
		return matchHTTPError(err)
	}
	status := http.StatusOK
	if res.Action == ActionCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

func (h *Handler) ListPendingMatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.resolver.PendingMatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	m, err := h.resolver.GetMatch(c.Request().Context(), id)
	if err != nil {
		return matchHTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ConfirmMatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	m, err := h.resolver.Confirm(c.Request().Context(), id, actor)
	if err != nil {
		return matchHTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RejectMatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	m, err := h.resolver.Reject(c.Request().Context(), id, actor, body.Reason)
	if err != nil {
		return matchHTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func matchHTTPError(err error) *echo.HTTPError {
	var (
		verr *identity.ValidationError
		cerr *identity.ConflictError
		merr *identity.MergeIntegrityError
	)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, cerr.Error())
	case errors.As(err, &merr):
		return echo.NewHTTPError(http.StatusConflict, merr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
