package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, clinician, registrar
	readGroup := api.Group("", auth.RequireRole("admin", "clinician", "registrar"))
	readGroup.GET("/identities", h.ListIdentities)
	readGroup.GET("/identities/:id", h.GetIdentity)
	readGroup.GET("/identities/mpi/:mpiId", h.GetByMPIID)
	readGroup.GET("/identities/:id/aliases", h.ListAliases)

	// Write endpoints – admin, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	writeGroup.POST("/identities", h.CreateIdentity)
	writeGroup.PUT("/identities/:id/demographics", h.UpdateDemographics)
	writeGroup.POST("/identities/:id/verify", h.VerifyIdentity)
	writeGroup.POST("/identities/:id/aliases", h.AddAlias)
	writeGroup.DELETE("/identities/:id", h.DeleteIdentity)
}

func (h *Handler) CreateIdentity(c echo.Context) error {
	var i Identity
	if err := c.Bind(&i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Register(c.Request().Context(), &i, actor); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, i)
}

func (h *Handler) GetIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	i, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) GetByMPIID(c echo.Context) error {
	mpiID := c.Param("mpiId")
	if mpiID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing mpiId")
	}
	i, err := h.svc.GetByMPIID(c.Request().Context(), mpiID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) ListIdentities(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateDemographics(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var d Demographics
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	i, err := h.svc.UpdateDemographics(c.Request().Context(), id, d, actor, false)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) VerifyIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	i, err := h.svc.Verify(c.Request().Context(), id, actor)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) DeleteIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.SoftDelete(c.Request().Context(), id, actor); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddAlias(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var a Alias
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.IdentityID = id
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.AddAlias(c.Request().Context(), &a, actor); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAliases(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	aliases, err := h.svc.ListAliases(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, aliases)
}

// toHTTPError maps domain errors onto HTTP status codes.
func toHTTPError(err error) *echo.HTTPError {
	var (
		verr *ValidationError
		cerr *ConflictError
		derr *DuplicateMPIIDError
		merr *MergeIntegrityError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "identity not found")
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, cerr.Error())
	case errors.As(err, &derr):
		return echo.NewHTTPError(http.StatusConflict, derr.Error())
	case errors.As(err, &merr):
		return echo.NewHTTPError(http.StatusConflict, merr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
