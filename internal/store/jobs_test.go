package store

import "testing"

func TestJobExecutionLifecycle(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	job, err := st.StartJobExecution(ctx, JobTypeForecast, "2026-07-30", "2026-08-06", "")
	if err != nil {
		t.Fatalf("StartJobExecution: %v", err)
	}
	if job.Status != JobStatusRunning {
		t.Fatalf("new job status = %q, want RUNNING", job.Status)
	}

	if err := st.FinishJobExecution(ctx, job.ID, JobStatusSuccess, 168, ""); err != nil {
		t.Fatalf("FinishJobExecution: %v", err)
	}

	got, err := st.GetJobExecution(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobExecution: %v", err)
	}
	if got.Status != JobStatusSuccess || got.RecordsProcessed != 168 {
		t.Errorf("GetJobExecution = %+v", got)
	}
}

func TestFailOrphanedRuns(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	job, err := st.StartJobExecution(ctx, JobTypeBusPrefetch, "2026-07-30", "2026-07-30", "")
	if err != nil {
		t.Fatalf("StartJobExecution: %v", err)
	}

	n, err := st.FailOrphanedRuns(ctx)
	if err != nil {
		t.Fatalf("FailOrphanedRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("FailOrphanedRuns affected %d rows, want 1", n)
	}

	got, err := st.GetJobExecution(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobExecution: %v", err)
	}
	if got.Status != JobStatusFailed {
		t.Errorf("status after FailOrphanedRuns = %q, want FAILED", got.Status)
	}
}

func TestListRecentJobExecutions(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		if _, err := st.StartJobExecution(ctx, JobTypeCleanup, "2026-07-30", "2026-07-30", ""); err != nil {
			t.Fatalf("StartJobExecution: %v", err)
		}
	}

	jobs, err := st.ListRecentJobExecutions(ctx, JobTypeCleanup, 2)
	if err != nil {
		t.Fatalf("ListRecentJobExecutions: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListRecentJobExecutions returned %d rows, want 2 (limit applied)", len(jobs))
	}
}
