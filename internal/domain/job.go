package domain

import "time"

// Engine job task types
const (
	TaskWarmupPlan      = "warmup_plan"
	TaskWarmupCloseDay  = "warmup_close_day"
	TaskTrustSweep      = "trust_sweep"
	TaskAlertSweep      = "alert_sweep"
	TaskHealthAggregate = "health_aggregate"
	TaskConnectionCheck = "connection_check"
)

var TaskTypes = []string{
	TaskWarmupPlan, TaskWarmupCloseDay, TaskTrustSweep,
	TaskAlertSweep, TaskHealthAggregate, TaskConnectionCheck,
}

// Job run states
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobError   = "error"
	JobTimeout = "timeout"
)

// JobSchedule scheduler task data model for the engine's periodic jobs
type JobSchedule struct {
	ID          int64     `json:"id,string" form:"id"`                      // Primary key ID
	Name        string    `json:"name" form:"name"`                         // Scheduler name
	TaskType    string    `json:"task_type" form:"task_type" gorm:"index"`  // Task type (warmup_plan, alert_sweep, ...)
	Interval    int       `json:"interval" form:"interval"`                 // Interval in seconds
	Timeout     int       `json:"timeout" form:"timeout"`                   // Run timeout in seconds, 0 uses the engine default
	Status      string    `json:"status" form:"status"`                     // Status (enabled/disabled)
	LastRunAt   time.Time `json:"last_run_at"`                              // Last execution time
	NextRunAt   time.Time `json:"next_run_at"`                              // Next scheduled execution time
	LastResult  string    `json:"last_result" form:"last_result"`           // Last execution result (success/error/timeout)
	LastMessage string    `json:"last_message" form:"last_message"`         // Last execution message or error
	Remark      string    `json:"remark" form:"remark"`                     // Remark
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (JobSchedule) TableName() string {
	return "job_schedule"
}

// ExpectedEvery interval as a duration
func (j *JobSchedule) ExpectedEvery() time.Duration {
	return time.Duration(j.Interval) * time.Second
}

// JobRun one execution of a scheduled job as seen by the job monitor
type JobRun struct {
	ID          int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	JobID       int64      `json:"job_id,string" gorm:"index"`
	TaskType    string     `json:"task_type" gorm:"size:64;index"`
	Status      string     `json:"status" gorm:"size:16"`
	StartedAt   time.Time  `json:"started_at" gorm:"index"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	Items       int        `json:"items"`
	ItemsFailed int        `json:"items_failed"`
	Message     string     `json:"message"`
}

// TableName Specify table name
func (JobRun) TableName() string {
	return "job_run"
}
