package store

import (
	"context"
	"database/sql"
	"time"
)

const (
	JobStatusRunning = "RUNNING"
	JobStatusSuccess = "SUCCESS"
	JobStatusFailed  = "FAILED"
)

const (
	JobTypeBusPrefetch   = "bus_prefetch"
	JobTypeRailPrefetch  = "rail_prefetch"
	JobTypeForecast      = "forecast"
	JobTypeCleanup       = "cleanup"
	JobTypeQualityCheck  = "quality_check"
	JobTypeBusRetry      = "bus_schedule_retry"
	JobTypeRailRetry     = "rail_schedule_retry"
	JobTypeForecastRetry = "forecast_retry"
)

// maxErrorMessageLen truncates persisted diagnostics to roughly 1000 chars,
// per the Persistent Store's error-handling contract.
const maxErrorMessageLen = 1000

// JobExecution is one audit-trail row for a scheduled or triggered job run.
type JobExecution struct {
	ID               string
	JobType          string
	TargetDate       string
	EndDate          string
	Status           string
	StartTime        string
	EndTime          string
	RecordsProcessed int
	ErrorMessage     string
	JobMetadata      string
}

// StartJobExecution inserts exactly one RUNNING row for a new job run.
func (s *Store) StartJobExecution(ctx context.Context, jobType, targetDate, endDate, metadata string) (JobExecution, error) {
	job := JobExecution{
		ID:         randomID(),
		JobType:    jobType,
		TargetDate: targetDate,
		EndDate:    endDate,
		Status:     JobStatusRunning,
		StartTime:  time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions
		 (id, job_type, target_date, end_date, status, start_time, job_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobType, job.TargetDate, job.EndDate, job.Status, job.StartTime, metadata)
	if err != nil {
		return JobExecution{}, err
	}
	job.JobMetadata = metadata
	return job, nil
}

// FinishJobExecution transitions a RUNNING row to a terminal state.
func (s *Store) FinishJobExecution(ctx context.Context, id, status string, recordsProcessed int, errMsg string) error {
	if len(errMsg) > maxErrorMessageLen {
		errMsg = errMsg[:maxErrorMessageLen]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, end_time = ?, records_processed = ?, error_message = ?
		 WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), recordsProcessed, errMsg, id)
	return err
}

// FinishJobExecutionTx is the same transition run inside a caller-owned
// transaction, so a bulk forecast write and its job-status transition share
// one short-lived transaction.
func (s *Store) FinishJobExecutionTx(ctx context.Context, tx *sql.Tx, id, status string, recordsProcessed int, errMsg string) error {
	if len(errMsg) > maxErrorMessageLen {
		errMsg = errMsg[:maxErrorMessageLen]
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, end_time = ?, records_processed = ?, error_message = ?
		 WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), recordsProcessed, errMsg, id)
	return err
}

// GetJobExecution returns a single job-execution row.
func (s *Store) GetJobExecution(ctx context.Context, id string) (JobExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_type, target_date, end_date, status, start_time, end_time, records_processed, error_message, job_metadata
		 FROM job_executions WHERE id = ?`, id)
	return scanJobExecution(row)
}

// ListRecentJobExecutions returns the most recent rows per job type, used by
// admin/status endpoints.
func (s *Store) ListRecentJobExecutions(ctx context.Context, jobType string, limit int) ([]JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_type, target_date, end_date, status, start_time, end_time, records_processed, error_message, job_metadata
		 FROM job_executions WHERE job_type = ? ORDER BY start_time DESC LIMIT ?`,
		jobType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []JobExecution
	for rows.Next() {
		j, err := scanJobExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailOrphanedRuns is the startup sweep: transitions any RUNNING
// JobExecution row left behind by a prior crash to FAILED with a marker
// error_message. Administrators may also invoke this explicitly via
// /admin/jobs/reset.
func (s *Store) FailOrphanedRuns(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, end_time = ?, error_message = ?
		 WHERE status = ?`,
		JobStatusFailed, time.Now().UTC().Format(time.RFC3339),
		"orphaned: process restarted while job was RUNNING", JobStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type jobExecutionScanner interface {
	Scan(dest ...any) error
}

func scanJobExecution(row jobExecutionScanner) (JobExecution, error) {
	var j JobExecution
	if err := row.Scan(&j.ID, &j.JobType, &j.TargetDate, &j.EndDate, &j.Status, &j.StartTime, &j.EndTime, &j.RecordsProcessed, &j.ErrorMessage, &j.JobMetadata); err != nil {
		return JobExecution{}, err
	}
	return j, nil
}

func scanJobExecutionRows(rows *sql.Rows) (JobExecution, error) {
	return scanJobExecution(rows)
}
