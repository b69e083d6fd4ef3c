package adminapi

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/repository"
	"github.com/talkincode/chippool/internal/webserver"
)

const failureRateWindow = 20

// jobUpdatePayload relaxes validation rules for partial updates
type jobUpdatePayload struct {
	Name     string `json:"name" validate:"omitempty,min=1,max=100"`
	Interval int    `json:"interval" validate:"omitempty,min=10"`
	Timeout  *int   `json:"timeout" validate:"omitempty,min=0,max=86400"`
	Status   string `json:"status" validate:"omitempty,oneof=enabled disabled"`
	Remark   string `json:"remark" validate:"omitempty,max=500"`
}

type jobDetail struct {
	domain.JobSchedule
	FailureRate float64 `json:"failure_rate"`
}

type staleJob struct {
	Job             string     `json:"job"`
	LastRunAt       *time.Time `json:"last_run_at"`
	ExpectedSeconds int        `json:"expected_seconds"`
	Message         string     `json:"message"`
}

// registerJobRoutes registers job schedule API routes
func registerJobRoutes() {
	webserver.ApiGET("/jobs", ListJobs)
	webserver.ApiGET("/jobs/stale", ListStaleJobs)
	webserver.ApiGET("/jobs/:id", GetJob)
	webserver.ApiPUT("/jobs/:id", UpdateJob)
	webserver.ApiPOST("/jobs/:id/run", RunJob)
	webserver.ApiGET("/jobs/:id/runs", ListJobRuns)
}

// ListJobs retrieves the job schedule list
// @Summary get the job list
// @Tags Jobs
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param sort query string false "Sort field"
// @Param order query string false "Sort direction"
// @Param status query string false "Job status"
// @Param task_type query string false "Task type"
// @Success 200 {object} Response
// @Router /api/v1/jobs [get]
func ListJobs(c echo.Context) error {
	page, perPage := paging(c)
	jobs, total, err := GetAppContext(c).Store().ListJobSchedules(c.Request().Context(), repository.JobFilter{
		Page:     page,
		PerPage:  perPage,
		TaskType: strings.TrimSpace(c.QueryParam("task_type")),
		Status:   strings.TrimSpace(c.QueryParam("status")),
		Sort:     c.QueryParam("sort"),
		Order:    c.QueryParam("order"),
	})
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, jobs, total, page, perPage)
}

// GetJob fetches a single job with its recent failure rate
// @Summary get job detail
// @Tags Jobs
// @Param id path int true "Job ID"
// @Success 200 {object} jobDetail
// @Router /api/v1/jobs/{id} [get]
func GetJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()
	job, err := GetAppContext(c).Store().GetJobSchedule(ctx, id)
	if err != nil {
		return failErr(c, err)
	}
	rate, err := GetAppContext(c).Monitor().FailureRate(ctx, job.TaskType, failureRateWindow)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, jobDetail{JobSchedule: *job, FailureRate: rate})
}

// UpdateJob updates a job schedule
// @Summary update a job
// @Tags Jobs
// @Param id path int true "Job ID"
// @Param job body jobUpdatePayload true "Job fields"
// @Success 200 {object} domain.JobSchedule
// @Router /api/v1/jobs/{id} [put]
func UpdateJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	var payload jobUpdatePayload
	if valid, err := bindValid(c, &payload); !valid {
		return err
	}

	// Build update map
	updates := make(map[string]interface{})
	if payload.Name != "" {
		updates["name"] = payload.Name
	}
	if payload.Interval > 0 {
		updates["interval"] = payload.Interval
		// Recalculate next run time
		updates["next_run_at"] = time.Now().Add(time.Duration(payload.Interval) * time.Second)
	}
	if payload.Timeout != nil {
		updates["timeout"] = *payload.Timeout
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	if len(updates) == 0 {
		return failErr(c, &domain.ValidationError{Field: "job", Reason: "nothing to update"})
	}

	ctx := c.Request().Context()
	store := GetAppContext(c).Store()
	if err := store.UpdateJobSchedule(ctx, id, updates); err != nil {
		return failErr(c, err)
	}
	job, err := store.GetJobSchedule(ctx, id)
	if err != nil {
		return failErr(c, err)
	}
	audit(c, domain.OptJobUpdate, job.TaskType, "status %s, interval %ds", job.Status, job.Interval)
	return ok(c, job)
}

// RunJob runs a job immediately and waits for it
// @Summary run a job now
// @Tags Jobs
// @Param id path int true "Job ID"
// @Success 200 {object} domain.JobSchedule
// @Router /api/v1/jobs/{id}/run [post]
func RunJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()
	appCtx := GetAppContext(c)
	runErr := appCtx.RunJobNow(ctx, id)
	if runErr == nil || !domain.IsNotFound(runErr) {
		audit(c, domain.OptJobRun, c.Param("id"), "manual run")
	}
	if domain.IsNotFound(runErr) || domain.IsConflict(runErr) || domain.IsValidation(runErr) {
		return failErr(c, runErr)
	}
	job, err := appCtx.Store().GetJobSchedule(ctx, id)
	if err != nil {
		return failErr(c, err)
	}
	// a failed run is still reported through the job's last result
	return ok(c, job)
}

// ListJobRuns returns the run history of a job, newest first
// @Summary get job runs
// @Tags Jobs
// @Param id path int true "Job ID"
// @Param limit query int false "Max runs, default 50"
// @Success 200 {object} Response
// @Router /api/v1/jobs/{id}/runs [get]
func ListJobRuns(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()
	store := GetAppContext(c).Store()
	job, err := store.GetJobSchedule(ctx, id)
	if err != nil {
		return failErr(c, err)
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := store.JobRuns(ctx, job.TaskType, limit)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, runs)
}

// ListStaleJobs returns the enabled jobs that missed their window
// @Summary get stale jobs
// @Tags Jobs
// @Success 200 {object} Response
// @Router /api/v1/jobs/stale [get]
func ListStaleJobs(c echo.Context) error {
	stale, err := GetAppContext(c).Monitor().Stale(c.Request().Context(), time.Now())
	if err != nil {
		return failErr(c, err)
	}
	out := make([]staleJob, 0, len(stale))
	for _, s := range stale {
		item := staleJob{Job: s.Job, ExpectedSeconds: int(s.Expected / time.Second), Message: s.Error()}
		if !s.LastRun.IsZero() {
			last := s.LastRun
			item.LastRunAt = &last
		}
		out = append(out, item)
	}
	return ok(c, out)
}
