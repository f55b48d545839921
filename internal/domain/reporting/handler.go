package reporting

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/reports/internal/domain/obsperiod"
	"github.com/ehr/reports/internal/platform/auth"
	"github.com/ehr/reports/pkg/pagination"
)

// Report is the evaluated form of a definition.
type Report struct {
	DefinitionID  string    `json:"definition_id"`
	Name          string    `json:"name"`
	ReferenceDate string    `json:"reference_date"`
	GeneratedAt   time.Time `json:"generated_at"`
	Columns       []string  `json:"columns"`
	Rows          []Row     `json:"rows"`

	Page pagination.Page `json:"page"`
}

type Row struct {
	PatientID uuid.UUID      `json:"patient_id"`
	Values    map[string]any `json:"values"`
}

// EvaluateRequest is the body of POST /reports/definitions/:id/evaluate.
type EvaluateRequest struct {
	ReferenceDate string      `json:"reference_date"`
	PatientIDs    []uuid.UUID `json:"patient_ids"`
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	catalog *Catalog
	now     func() time.Time
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RolePhysician, auth.RoleDataManager))
	g.GET("/definitions", h.ListDefinitions)
	g.POST("/definitions/:id/evaluate", h.EvaluateDefinition)
}

// ListDefinitions returns all available report definitions.
func (h *Handler) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.Definitions())
}

// EvaluateDefinition evaluates a definition for the requested cohort. The
// rows are paged with the limit and offset query parameters.
func (h *Handler) EvaluateDefinition(c echo.Context) error {
	def, ok := h.catalog.Find(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "report definition not found")
	}

	var body EvaluateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, err := time.Parse(time.DateOnly, body.ReferenceDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reference_date must be YYYY-MM-DD")
	}

	data, err := h.catalog.Evaluate(c.Request().Context(), def.ID, ref, body.PatientIDs)
	if err != nil {
		if errors.Is(err, ErrUnknownDefinition) {
			return echo.NewHTTPError(http.StatusNotFound, "report definition not found")
		}
		return obsperiod.ErrorResponse(err)
	}

	return c.JSON(http.StatusOK, h.report(def, ref, data, pagination.FromContext(c)))
}

func (h *Handler) report(def Definition, ref time.Time, data Dataset, p pagination.Params) Report {
	rows := data.Rows()
	r := Report{
		DefinitionID:  def.ID,
		Name:          def.Name,
		ReferenceDate: ref.Format(time.DateOnly),
		GeneratedAt:   h.now(),
		Columns:       make([]string, len(def.Columns)),
		Rows:          pagination.Apply(rows, p),
		Page:          p.Page(len(rows)),
	}
	for i, col := range def.Columns {
		r.Columns[i] = col.Key
	}
	return r
}

// Rows returns the dataset as rows ordered by patient id.
func (d Dataset) Rows() []Row {
	rows := make([]Row, 0, len(d))
	for pid, values := range d {
		rows = append(rows, Row{PatientID: pid, Values: values})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].PatientID.String() < rows[j].PatientID.String()
	})
	return rows
}
