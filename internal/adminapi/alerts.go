package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/webserver"
)

type resolvePayload struct {
	Notes string `json:"notes" validate:"omitempty,max=1000"`
}

// alertRow CSV export row
type alertRow struct {
	ID              int64  `csv:"id"`
	ChipID          string `csv:"chip_id"`
	Type            string `csv:"type"`
	Severity        string `csv:"severity"`
	Message         string `csv:"message"`
	Recommendation  string `csv:"recommendation"`
	Value           string `csv:"value"`
	CreatedAt       string `csv:"created_at"`
	ResolvedAt      string `csv:"resolved_at"`
	ResolvedBy      string `csv:"resolved_by"`
	ResolutionNotes string `csv:"resolution_notes"`
}

func registerAlertRoutes() {
	webserver.ApiGET("/alerts", ListAlerts)
	webserver.ApiGET("/alerts/export", ExportAlerts)
	webserver.ApiPOST("/alerts/:id/resolve", ResolveAlert)
}

func alertFilter(c echo.Context) (repository.AlertFilter, error) {
	page, perPage := paging(c)
	f := repository.AlertFilter{
		Page:     page,
		PerPage:  perPage,
		ChipID:   strings.TrimSpace(c.QueryParam("chip_id")),
		Severity: domain.Severity(strings.TrimSpace(c.QueryParam("severity"))),
		Type:     domain.AlertType(strings.TrimSpace(c.QueryParam("type"))),
		Order:    c.QueryParam("order"),
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return f, &domain.ValidationError{Field: "severity", Reason: "unknown severity " + string(f.Severity)}
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, &domain.ValidationError{Field: "type", Reason: "unknown alert type " + string(f.Type)}
	}
	resolved, err := optBool(c, "resolved")
	if err != nil {
		return f, err
	}
	f.Resolved = resolved
	since, err := parseTime(c.QueryParam("since"), "since", GetAppContext(c).Location())
	if err != nil {
		return f, err
	}
	f.Since = since
	return f, nil
}

// ListAlerts retrieves alerts, newest first
// @Summary get the alert list
// @Tags Alerts
// @Param severity query string false "Severity"
// @Param type query string false "Alert type"
// @Param resolved query bool false "Resolved filter"
// @Param chip_id query string false "Chip ID"
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Success 200 {object} Response
// @Router /api/v1/alerts [get]
func ListAlerts(c echo.Context) error {
	f, err := alertFilter(c)
	if err != nil {
		return failErr(c, err)
	}
	alerts, total, err := GetAppContext(c).Store().ListAlerts(c.Request().Context(), f)
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, alerts, total, f.Page, f.PerPage)
}

// ResolveAlert closes an open alert
// @Summary resolve an alert
// @Tags Alerts
// @Param id path int true "Alert ID"
// @Param body body resolvePayload false "Resolution notes"
// @Success 200 {object} domain.Alert
// @Router /api/v1/alerts/{id}/resolve [post]
func ResolveAlert(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	var payload resolvePayload
	if c.Request().ContentLength > 0 {
		if valid, err := bindValid(c, &payload); !valid {
			return err
		}
	}
	alert, err := GetAppContext(c).Alerts().Resolve(c.Request().Context(), id, operator(c), payload.Notes)
	if err != nil {
		return failErr(c, err)
	}
	audit(c, domain.OptAlertResolve, fmt.Sprint(id), "%s on %s", alert.Type, alert.ChipID)
	return ok(c, alert)
}

// ExportAlerts streams matching alerts as CSV
// @Summary export alerts
// @Tags Alerts
// @Produce text/csv
// @Router /api/v1/alerts/export [get]
func ExportAlerts(c echo.Context) error {
	f, err := alertFilter(c)
	if err != nil {
		return failErr(c, err)
	}
	alerts, err := GetAppContext(c).Store().AllAlerts(c.Request().Context(), f)
	if err != nil {
		return failErr(c, err)
	}
	rows := make([]alertRow, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, toAlertRow(a))
	}
	filename := fmt.Sprintf("alerts-%s.csv", time.Now().Format("20060102150405"))
	c.Response().Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	c.Response().WriteHeader(http.StatusOK)
	return gocsv.Marshal(rows, c.Response())
}

func toAlertRow(a domain.Alert) alertRow {
	row := alertRow{
		ID:              a.ID,
		ChipID:          a.ChipID,
		Type:            string(a.Type),
		Severity:        string(a.Severity),
		Message:         a.Message,
		Value:           fmt.Sprintf("%.2f", a.Value),
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
		ResolvedBy:      a.ResolvedBy,
		ResolutionNotes: a.ResolutionNotes,
	}
	if a.Recommendation != nil {
		row.Recommendation = *a.Recommendation
	}
	if a.ResolvedAt != nil {
		row.ResolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return row
}
