package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/chippool/pkg/common"
	"github.com/talkincode/chippool/internal/domain"
)

// JobFilter list query of job schedules
type JobFilter struct {
	Page     int
	PerPage  int
	TaskType string
	Status   string
	Sort     string
	Order    string
}

var jobSortFields = map[string]string{
	"id":          "id",
	"name":        "name",
	"task_type":   "task_type",
	"interval":    "interval",
	"last_run_at": "last_run_at",
	"next_run_at": "next_run_at",
}

func (s *Store) ListJobSchedules(ctx context.Context, f JobFilter) ([]domain.JobSchedule, int64, error) {
	query := s.db.WithContext(ctx).Model(&domain.JobSchedule{})
	if f.TaskType != "" {
		query = query.Where("task_type = ?", f.TaskType)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count job schedules")
	}
	sort, ok := jobSortFields[f.Sort]
	if !ok {
		sort = "id"
	}
	offset, limit := pageBounds(f.Page, f.PerPage)
	var jobs []domain.JobSchedule
	err := query.Order(sort + " " + normOrder(f.Order)).Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, total, errors.Wrap(err, "list job schedules")
}

// EnabledJobSchedules returns every enabled schedule.
func (s *Store) EnabledJobSchedules(ctx context.Context) ([]domain.JobSchedule, error) {
	var jobs []domain.JobSchedule
	err := s.db.WithContext(ctx).Where("status = ?", common.ENABLED).Order("id ASC").Find(&jobs).Error
	return jobs, errors.Wrap(err, "enabled job schedules")
}

func (s *Store) GetJobSchedule(ctx context.Context, id int64) (*domain.JobSchedule, error) {
	var job domain.JobSchedule
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err, "job schedule")
	}
	return &job, nil
}

// JobScheduleByTask returns the first schedule of a task type.
func (s *Store) JobScheduleByTask(ctx context.Context, taskType string) (*domain.JobSchedule, error) {
	var job domain.JobSchedule
	if err := s.db.WithContext(ctx).Where("task_type = ?", taskType).Order("id ASC").First(&job).Error; err != nil {
		return nil, notFound(err, "job schedule "+taskType)
	}
	return &job, nil
}

func (s *Store) CreateJobSchedule(ctx context.Context, job *domain.JobSchedule) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(job).Error, "create job schedule")
}

func (s *Store) UpdateJobSchedule(ctx context.Context, id int64, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.JobSchedule{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update job schedule")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "job schedule")
	}
	return nil
}

func (s *Store) DeleteJobSchedule(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.JobSchedule{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete job schedule")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "job schedule")
	}
	return nil
}

// MarkJobRun records the outcome of a run on its schedule row.
func (s *Store) MarkJobRun(ctx context.Context, id int64, ranAt, next time.Time, result, message string) error {
	err := s.db.WithContext(ctx).Model(&domain.JobSchedule{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_run_at":  ranAt,
		"next_run_at":  next,
		"last_result":  result,
		"last_message": message,
	}).Error
	return errors.Wrap(err, "mark job run")
}

func (s *Store) CreateJobRun(ctx context.Context, run *domain.JobRun) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(run).Error, "create job run")
}

func (s *Store) FinishJobRun(ctx context.Context, run *domain.JobRun) error {
	err := s.db.WithContext(ctx).Model(&domain.JobRun{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"status":       run.Status,
		"finished_at":  run.FinishedAt,
		"duration_ms":  run.DurationMs,
		"items":        run.Items,
		"items_failed": run.ItemsFailed,
		"message":      run.Message,
	}).Error
	return errors.Wrap(err, "finish job run")
}

// JobRuns returns the latest runs of a task type, newest first. An empty
// taskType returns runs of every job.
func (s *Store) JobRuns(ctx context.Context, taskType string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Model(&domain.JobRun{})
	if taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}
	var runs []domain.JobRun
	err := query.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, errors.Wrap(err, "list job runs")
}

// LastSuccessfulRun returns the latest successful run of a task type, or nil.
func (s *Store) LastSuccessfulRun(ctx context.Context, taskType string) (*domain.JobRun, error) {
	var runs []domain.JobRun
	err := s.db.WithContext(ctx).Where("task_type = ? AND status = ?", taskType, domain.JobSuccess).
		Order("started_at DESC").Limit(1).Find(&runs).Error
	if err != nil {
		return nil, errors.Wrap(err, "last successful run")
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// AbandonRunningJobs marks runs left in running state by a crashed process.
func (s *Store) AbandonRunningJobs(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.JobRun{}).Where("status = ?", domain.JobRunning).
		Updates(map[string]interface{}{"status": domain.JobError, "finished_at": at, "message": "abandoned on restart"})
	return res.RowsAffected, errors.Wrap(res.Error, "abandon running jobs")
}

func (s *Store) PruneJobRuns(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("started_at < ? AND status <> ?", before, domain.JobRunning).Delete(&domain.JobRun{})
	return res.RowsAffected, errors.Wrap(res.Error, "prune job runs")
}
