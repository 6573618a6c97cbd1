package store

import "testing"

func TestUpsertMetroScheduleAndStaleFallback(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	row := MetroScheduleCacheRow{
		StationID: "S1", DirectionID: "G", ValidFor: "2026-07-28",
		Payload: `{"Success":true}`, FetchedAt: NowUTC(), SourceStatus: SourceStatusSuccess,
	}
	if err := st.UpsertMetroSchedule(ctx, row); err != nil {
		t.Fatalf("UpsertMetroSchedule: %v", err)
	}

	has, err := st.HasSuccessfulMetroSchedule(ctx, "S1", "G", "2026-07-28")
	if err != nil || !has {
		t.Fatalf("HasSuccessfulMetroSchedule = %v, %v, want true", has, err)
	}

	stale, err := st.LatestMetroScheduleOnOrBefore(ctx, "S1", "G", "2026-07-30")
	if err != nil {
		t.Fatalf("LatestMetroScheduleOnOrBefore: %v", err)
	}
	if stale.ValidFor != "2026-07-28" {
		t.Errorf("LatestMetroScheduleOnOrBefore.ValidFor = %q, want 2026-07-28", stale.ValidFor)
	}
}

func TestDeleteMetroSchedulesBefore(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	old := MetroScheduleCacheRow{StationID: "S1", DirectionID: "G", ValidFor: "2026-07-01", Payload: "{}", FetchedAt: NowUTC(), SourceStatus: SourceStatusSuccess}
	recent := MetroScheduleCacheRow{StationID: "S1", DirectionID: "G", ValidFor: "2026-07-30", Payload: "{}", FetchedAt: NowUTC(), SourceStatus: SourceStatusSuccess}
	if err := st.UpsertMetroSchedule(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertMetroSchedule(ctx, recent); err != nil {
		t.Fatal(err)
	}

	n, err := st.DeleteMetroSchedulesBefore(ctx, "2026-07-15")
	if err != nil {
		t.Fatalf("DeleteMetroSchedulesBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteMetroSchedulesBefore removed %d rows, want 1", n)
	}
}
