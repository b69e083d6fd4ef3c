package adminapi

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/warmup"
	"github.com/talkincode/chippool/internal/webserver"
)

const defaultStatsDays = 7

func registerWarmupRoutes() {
	webserver.ApiGET("/warmup/activities", ListActivities)
	webserver.ApiPOST("/warmup/activities", ScheduleActivity)
	webserver.ApiPOST("/warmup/activities/:id/outcome", RecordOutcome)
	webserver.ApiGET("/warmup/stats", ActivityStats)
}

// ListActivities lists the planned activities of a day
// @Summary get warmup activities
// @Tags Warmup
// @Param date query string false "Plan date YYYY-MM-DD, default today"
// @Param chip_id query string false "Chip ID"
// @Success 200 {object} Response
// @Router /api/v1/warmup/activities [get]
func ListActivities(c echo.Context) error {
	sched := GetAppContext(c).Warmup()
	date := strings.TrimSpace(c.QueryParam("date"))
	if date == "" {
		date = sched.Today()
	}
	acts, err := sched.Activities(c.Request().Context(), date, strings.TrimSpace(c.QueryParam("chip_id")))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, acts)
}

// ScheduleActivity plans one activity by hand
// @Summary schedule a warmup activity
// @Tags Warmup
// @Param body body warmup.ScheduleRequest true "Activity"
// @Success 201 {object} domain.ScheduledActivity
// @Router /api/v1/warmup/activities [post]
func ScheduleActivity(c echo.Context) error {
	var payload warmup.ScheduleRequest
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}
	act, err := GetAppContext(c).Warmup().Schedule(c.Request().Context(), payload)
	if err != nil {
		return failErr(c, err)
	}
	return created(c, act)
}

// RecordOutcome settles a planned activity
// @Summary record an activity outcome
// @Tags Warmup
// @Param id path int true "Activity ID"
// @Param body body warmup.OutcomeRequest true "Outcome"
// @Success 200 {object} domain.ScheduledActivity
// @Router /api/v1/warmup/activities/{id}/outcome [post]
func RecordOutcome(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	var payload warmup.OutcomeRequest
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}
	act, err := GetAppContext(c).Warmup().RecordOutcome(c.Request().Context(), id, payload)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, act)
}

// ActivityStats returns per-type activity counters over a date range
// @Summary get warmup stats
// @Tags Warmup
// @Param from query string false "First plan date, default 6 days before to"
// @Param to query string false "Last plan date, default today"
// @Success 200 {object} Response
// @Router /api/v1/warmup/stats [get]
func ActivityStats(c echo.Context) error {
	appCtx := GetAppContext(c)
	to := strings.TrimSpace(c.QueryParam("to"))
	if to == "" {
		to = appCtx.Warmup().Today()
	}
	from := strings.TrimSpace(c.QueryParam("from"))
	if from == "" {
		day, err := time.ParseInLocation(domain.PlanDateLayout, to, appCtx.Location())
		if err != nil {
			return failErr(c, &domain.ValidationError{Field: "to", Reason: "expected YYYY-MM-DD"})
		}
		from = day.AddDate(0, 0, -(defaultStatsDays - 1)).Format(domain.PlanDateLayout)
	}
	stats, err := appCtx.Warmup().Stats(c.Request().Context(), from, to)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{
		"from":  from,
		"to":    to,
		"types": stats,
	})
}
