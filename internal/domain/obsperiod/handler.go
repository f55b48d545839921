package obsperiod

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleDataManager))
	g.POST("/evaluations", h.Evaluate)
}

// EvaluateRequest is the JSON body of POST /evaluations.
type EvaluateRequest struct {
	Concept       string      `json:"concept"`
	Answers       []string    `json:"answers,omitempty"`
	ReferenceDate string      `json:"reference_date"`
	Granularity   Granularity `json:"granularity"`
	PeriodOffset  int         `json:"period_offset"`
	Qualifier     Qualifier   `json:"qualifier"`
	// Absent means every patient; an empty list means nobody.
	PatientIDs []uuid.UUID `json:"patient_ids"`
}

type ResultEntry struct {
	PatientID     uuid.UUID `json:"patient_id"`
	Value         any       `json:"value"`
	ObservationID uuid.UUID `json:"observation_id"`
	EncounterID   uuid.UUID `json:"encounter_id"`
	ObservedAt    time.Time `json:"observed_at"`
}

type EvaluateResponse struct {
	Window  Window        `json:"window"`
	Count   int           `json:"count"`
	Results []ResultEntry `json:"results"`
}

func (r EvaluateRequest) params() (Params, error) {
	ref, err := time.Parse(time.DateOnly, r.ReferenceDate)
	if err != nil && r.ReferenceDate != "" {
		return Params{}, invalidf("reference_date must be YYYY-MM-DD, got %q", r.ReferenceDate)
	}
	return Params{
		ConceptCode:   r.Concept,
		AnswerCodes:   r.Answers,
		ReferenceDate: ref,
		Granularity:   r.Granularity,
		PeriodOffset:  r.PeriodOffset,
		Qualifier:     r.Qualifier,
		PatientIDs:    r.PatientIDs,
	}, nil
}

func (h *Handler) Evaluate(c echo.Context) error {
	var body EvaluateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := body.params()
	if err != nil {
		return ErrorResponse(err)
	}

	ctx := c.Request().Context()
	window, err := h.svc.Window(p)
	if err != nil {
		return ErrorResponse(err)
	}
	result, err := h.svc.EvaluateDetailed(ctx, p)
	if err != nil {
		return ErrorResponse(err)
	}

	resp := EvaluateResponse{Window: window, Count: len(result), Results: make([]ResultEntry, 0, len(result))}
	for _, pid := range result.PatientIDs() {
		obs := result[pid].Observation
		resp.Results = append(resp.Results, ResultEntry{
			PatientID:     pid,
			Value:         obs.Value.Interface(),
			ObservationID: obs.ID,
			EncounterID:   obs.EncounterID,
			ObservedAt:    obs.ObservedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// ErrorResponse maps evaluation failures to HTTP errors: bad input and
// unknown concept codes are the caller's fault, collaborator failures are
// reported as a bad gateway.
func ErrorResponse(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, concept.ErrUnknownConcept):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case IsCollaboratorFailure(err):
		return echo.NewHTTPError(http.StatusBadGateway, "evaluation failed").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
