package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/lifecycle"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/webserver"
)

const recentTrustEvents = 20

type reactivatePayload struct {
	Motivo string `json:"motivo" validate:"required,min=1,max=500"`
}

type actionPayload struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type banPayload struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type sendPayload struct {
	At time.Time `json:"at"`
}

type bulkPayload struct {
	ChipIDs []string         `json:"chip_ids" validate:"required,min=1,max=500"`
	Action  lifecycle.Action `json:"action" validate:"required"`
	Reason  string           `json:"reason" validate:"omitempty,max=500"`
}

// chipDetail detail view of one chip
type chipDetail struct {
	domain.ChipView
	AvailableActions []lifecycle.Availability `json:"available_actions"`
	TrustEvents      []domain.TrustEvent      `json:"trust_events"`
	OpenAlerts       []domain.Alert           `json:"open_alerts"`
}

func registerChipRoutes() {
	webserver.ApiGET("/chips", ListChips)
	webserver.ApiPOST("/chips", ProvisionChip)
	webserver.ApiPOST("/chips/bulk", BulkChipAction)
	webserver.ApiGET("/chips/:id", GetChip)
	webserver.ApiGET("/chips/:id/trust-events", ListChipTrustEvents)
	for _, act := range []lifecycle.Action{
		lifecycle.ActPause, lifecycle.ActResume, lifecycle.ActPromote,
		lifecycle.ActActivate, lifecycle.ActRecover, lifecycle.ActCancel,
	} {
		webserver.ApiPOST("/chips/:id/"+string(act), ChipAction(act))
	}
	webserver.ApiPOST("/chips/:id/reactivate", ReactivateChip)
	webserver.ApiPOST("/chips/:id/check-connection", CheckChipConnection)
	webserver.ApiPOST("/chips/:id/signals/ban", BanSignal)
	webserver.ApiPOST("/chips/:id/signals/metrics", MetricsSignal)
	webserver.ApiPOST("/chips/:id/send-authorization", AuthorizeSend)
}

func chipViews(c echo.Context, chips []domain.Chip) ([]domain.ChipView, error) {
	ids := make([]string, len(chips))
	for i := range chips {
		ids[i] = chips[i].ID
	}
	alerted := map[string]bool{}
	if len(ids) > 0 {
		var err error
		if alerted, err = GetAppContext(c).Store().ChipsWithOpenAlerts(c.Request().Context(), ids); err != nil {
			return nil, err
		}
	}
	views := make([]domain.ChipView, len(chips))
	for i := range chips {
		views[i] = domain.NewChipView(chips[i], alerted[chips[i].ID])
	}
	return views, nil
}

// ListChips retrieves the chip list
// @Summary get the chip list
// @Tags Chips
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param status query string false "Comma separated statuses"
// @Param trust_level query string false "Trust level"
// @Param has_alert query bool false "Only chips with (or without) an open alert"
// @Param sort query string false "Sort field"
// @Param order query string false "Sort direction"
// @Success 200 {object} Response
// @Router /api/v1/chips [get]
func ListChips(c echo.Context) error {
	page, perPage := paging(c)
	f := repository.ChipFilter{
		Page:       page,
		PerPage:    perPage,
		TrustLevel: domain.TrustLevel(strings.TrimSpace(c.QueryParam("trust_level"))),
		Phone:      c.QueryParam("phone"),
		Sort:       c.QueryParam("sort"),
		Order:      c.QueryParam("order"),
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.ChipStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return failErr(c, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(st)})
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	hasAlert, err := optBool(c, "has_alert")
	if err != nil {
		return failErr(c, err)
	}
	f.HasAlert = hasAlert

	chips, total, err := GetAppContext(c).Store().ListChips(c.Request().Context(), f)
	if err != nil {
		return failErr(c, err)
	}
	views, err := chipViews(c, chips)
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, views, total, page, perPage)
}

// ProvisionChip registers a new line
// @Summary provision a chip
// @Tags Chips
// @Param chip body lifecycle.ProvisionRequest true "Chip information"
// @Success 201 {object} domain.ChipView
// @Router /api/v1/chips [post]
func ProvisionChip(c echo.Context) error {
	var payload lifecycle.ProvisionRequest
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}
	chip, err := GetAppContext(c).Machine().Provision(c.Request().Context(), payload)
	if err != nil {
		return failErr(c, err)
	}
	audit(c, domain.OptProvision, chip.ID, "provisioned %s as %s", chip.Phone, chip.InstanceName)
	return created(c, domain.NewChipView(*chip, false))
}

// GetChip fetches a chip with its available actions, recent trust events
// and open alerts
// @Summary get chip detail
// @Tags Chips
// @Param id path string true "Chip ID"
// @Success 200 {object} chipDetail
// @Router /api/v1/chips/{id} [get]
func GetChip(c echo.Context) error {
	ctx := c.Request().Context()
	appCtx := GetAppContext(c)
	chip, err := appCtx.Store().GetChip(ctx, c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	actions, err := appCtx.Machine().Available(ctx, chip)
	if err != nil {
		return failErr(c, err)
	}
	evs, err := appCtx.Trust().History(ctx, chip.ID, recentTrustEvents)
	if err != nil {
		return failErr(c, err)
	}
	alerts, err := appCtx.Store().OpenAlertsForChip(ctx, chip.ID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, chipDetail{
		ChipView:         domain.NewChipView(*chip, len(alerts) > 0),
		AvailableActions: actions,
		TrustEvents:      evs,
		OpenAlerts:       alerts,
	})
}

// ListChipTrustEvents returns the trust history of a chip, newest first
// @Summary get chip trust events
// @Tags Chips
// @Param id path string true "Chip ID"
// @Param limit query int false "Max events, default 50"
// @Success 200 {object} Response
// @Router /api/v1/chips/{id}/trust-events [get]
func ListChipTrustEvents(c echo.Context) error {
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	evs, err := GetAppContext(c).Trust().History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, evs)
}

func ChipAction(act lifecycle.Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		var payload actionPayload
		if c.Request().ContentLength > 0 {
			if valid, err := bindValid(c, &payload); !valid {
				return err
			}
		}
		return transition(c, act, payload.Reason)
	}
}

// ReactivateChip brings a banned chip back to repouso
// @Summary reactivate a banned chip
// @Tags Chips
// @Param id path string true "Chip ID"
// @Param body body reactivatePayload true "Reactivation reason"
// @Success 200 {object} domain.ChipView
// @Router /api/v1/chips/{id}/reactivate [post]
func ReactivateChip(c echo.Context) error {
	var payload reactivatePayload
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}
	return transition(c, lifecycle.ActReactivate, payload.Motivo)
}

func transition(c echo.Context, act lifecycle.Action, reason string) error {
	id := c.Param("id")
	chip, err := GetAppContext(c).Machine().Transition(c.Request().Context(), id, act, lifecycle.Request{
		Reason: reason,
		By:     operator(c),
	})
	if err != nil {
		return failErr(c, err)
	}
	audit(c, domain.OptChipAction, id, "%s -> %s", act, chip.Status)
	return okChip(c, chip)
}

func okChip(c echo.Context, chip *domain.Chip) error {
	views, err := chipViews(c, []domain.Chip{*chip})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, views[0])
}

// CheckChipConnection asks the gateway for the session state of a chip
// @Summary check chip connection
// @Tags Chips
// @Param id path string true "Chip ID"
// @Success 200 {object} lifecycle.ConnectionResult
// @Router /api/v1/chips/{id}/check-connection [post]
func CheckChipConnection(c echo.Context) error {
	res, err := GetAppContext(c).Machine().CheckConnection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, res)
}

// BanSignal applies an external ban notification
// @Summary report a ban
// @Tags Signals
// @Param id path string true "Chip ID"
// @Param body body banPayload false "Ban reason"
// @Success 200 {object} domain.ChipView
// @Router /api/v1/chips/{id}/signals/ban [post]
func BanSignal(c echo.Context) error {
	var payload banPayload
	if c.Request().ContentLength > 0 {
		if valid, err := bindValid(c, &payload); !valid {
			return err
		}
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = "gateway ban signal"
	}
	chip, err := GetAppContext(c).Machine().Ban(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		return failErr(c, err)
	}
	return okChip(c, chip)
}

// MetricsSignal stores a metrics report of a chip
// @Summary report chip metrics
// @Tags Signals
// @Param id path string true "Chip ID"
// @Param body body lifecycle.MetricsSignal true "Metrics"
// @Success 200 {object} domain.ChipView
// @Router /api/v1/chips/{id}/signals/metrics [post]
func MetricsSignal(c echo.Context) error {
	var payload lifecycle.MetricsSignal
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	chip, err := GetAppContext(c).Machine().ObserveMetrics(c.Request().Context(), c.Param("id"), payload)
	if err != nil {
		return failErr(c, err)
	}
	return okChip(c, chip)
}

// AuthorizeSend grants one outbound message to an active chip
// @Summary authorize a send
// @Tags Signals
// @Param id path string true "Chip ID"
// @Success 200 {object} lifecycle.SendAuthorization
// @Router /api/v1/chips/{id}/send-authorization [post]
func AuthorizeSend(c echo.Context) error {
	var payload sendPayload
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&payload); err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
		}
	}
	auth, err := GetAppContext(c).Machine().AuthorizeSend(c.Request().Context(), c.Param("id"), payload.At)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, auth)
}

// BulkChipAction applies one operator action to many chips
// @Summary bulk chip action
// @Tags Chips
// @Param body body bulkPayload true "Chip ids and action"
// @Success 200 {object} Response
// @Router /api/v1/chips/bulk [post]
func BulkChipAction(c echo.Context) error {
	var payload bulkPayload
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}
	results, err := GetAppContext(c).Machine().Bulk(c.Request().Context(), payload.ChipIDs, payload.Action, lifecycle.Request{
		Reason: payload.Reason,
		By:     operator(c),
	})
	if err != nil {
		return failErr(c, err)
	}
	succeeded := 0
	for _, r := range results {
		if r.OK {
			succeeded++
		}
	}
	audit(c, domain.OptBulkAction, string(payload.Action), "%d of %d chips", succeeded, len(results))
	return ok(c, map[string]interface{}{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}
