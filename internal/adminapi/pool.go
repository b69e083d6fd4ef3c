package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/webserver"
)

const defaultHistoryWindow = 24 * time.Hour

func registerPoolRoutes() {
	webserver.ApiGET("/pool/status", GetPoolStatus)
	webserver.ApiGET("/pool/health", GetPoolHealth)
	webserver.ApiGET("/pool/health/history", GetPoolHealthHistory)
	webserver.ApiGET("/pool/config", GetPoolConfig)
	webserver.ApiPUT("/pool/config", UpdatePoolConfig)
}

// GetPoolStatus returns chip counts per status, trust level and phase with
// capacity usage
// @Summary get pool status
// @Tags Pool
// @Success 200 {object} health.PoolStatus
// @Router /api/v1/pool/status [get]
func GetPoolStatus(c echo.Context) error {
	st, err := GetAppContext(c).Health().Status(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, st)
}

// GetPoolHealth computes the health report on demand. It is not recorded
// in the history.
// @Summary get pool health
// @Tags Pool
// @Success 200 {object} health.Report
// @Router /api/v1/pool/health [get]
func GetPoolHealth(c echo.Context) error {
	rep, err := GetAppContext(c).Health().Current(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, rep)
}

// GetPoolHealthHistory returns recorded health scores
// @Summary get pool health history
// @Tags Pool
// @Param from query string false "Start time, default 24h before to"
// @Param to query string false "End time, default now"
// @Success 200 {object} Response
// @Router /api/v1/pool/health/history [get]
func GetPoolHealthHistory(c echo.Context) error {
	loc := GetAppContext(c).Location()
	to, err := parseTime(c.QueryParam("to"), "to", loc)
	if err != nil {
		return failErr(c, err)
	}
	if to.IsZero() {
		to = time.Now()
	}
	from, err := parseTime(c.QueryParam("from"), "from", loc)
	if err != nil {
		return failErr(c, err)
	}
	if from.IsZero() {
		from = to.Add(-defaultHistoryWindow)
	}
	points, err := GetAppContext(c).Health().History(from, to)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{
		"from":   from,
		"to":     to,
		"points": points,
	})
}

func parseTime(raw, field string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseIn(raw, loc)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Reason: "unrecognized time " + raw}
	}
	return t, nil
}

// GetPoolConfig returns the current pool configuration
// @Summary get pool config
// @Tags Pool
// @Success 200 {object} domain.PoolConfig
// @Router /api/v1/pool/config [get]
func GetPoolConfig(c echo.Context) error {
	return ok(c, GetAppContext(c).PoolConfig().Current())
}

// UpdatePoolConfig applies a partial config. The body carries the version
// the patch was written against.
// @Summary update pool config
// @Tags Pool
// @Param body body object true "Patch with version"
// @Success 200 {object} domain.PoolConfig
// @Router /api/v1/pool/config [put]
func UpdatePoolConfig(c echo.Context) error {
	var patch map[string]interface{}
	if err := c.Bind(&patch); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	raw, found := patch["version"]
	if !found {
		return failErr(c, &domain.ValidationError{Field: "version", Reason: "required"})
	}
	version, err := cast.ToInt64E(raw)
	if err != nil {
		return failErr(c, &domain.ValidationError{Field: "version", Reason: "must be an integer"})
	}
	next, err := GetAppContext(c).PoolConfig().Update(c.Request().Context(), patch, version, operator(c))
	if err != nil {
		return failErr(c, err)
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		if k != "version" {
			keys = append(keys, k)
		}
	}
	audit(c, domain.OptConfigUpdate, "pool_config", "version %d -> %d: %s", version, next.Version, strings.Join(keys, ","))
	return ok(c, next)
}
