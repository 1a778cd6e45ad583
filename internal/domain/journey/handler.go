package journey

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxtrace/rxtrace/internal/platform/export"
	"github.com/rxtrace/rxtrace/pkg/pagination"
)

// Handler exposes journey ingestion plus a strictly read-only view of
// assembled journeys. Handlers never mutate a stored Journey.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ingest", h.Ingest)
	api.GET("/journeys/:id", h.GetJourney)
	api.GET("/journeys/:id/events", h.ListEvents)
	api.GET("/journeys/:id/diagnostics", h.GetDiagnostics)
}

// IngestResponse is returned after the export is assembled.
type IngestResponse struct {
	JourneyID   uuid.UUID    `json:"journey_id"`
	Category    string       `json:"category"`
	Status      string       `json:"status"`
	EventCount  int          `json:"event_count"`
	Diagnostics *Diagnostics `json:"diagnostics"`
}

// Ingest accepts the raw export text as the request body and assembles one
// journey. Structural failures are 422 with the missing columns named;
// row-level problems never fail the request, they surface in diagnostics.
func (h *Handler) Ingest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty request body")
	}

	j, d, err := h.svc.Ingest(c.Request().Context(), string(body))
	if err != nil {
		var se *export.StructuralError
		if errors.As(err, &se) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, se.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, IngestResponse{
		JourneyID:   j.ID,
		Category:    string(j.Category),
		Status:      string(j.Status),
		EventCount:  len(j.Events),
		Diagnostics: d,
	})
}

func (h *Handler) GetJourney(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	j, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "journey not found")
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) ListEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	events, total, err := h.svc.Events(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "journey not found")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetDiagnostics(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetDiagnostics(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "journey not found")
	}
	return c.JSON(http.StatusOK, d)
}
