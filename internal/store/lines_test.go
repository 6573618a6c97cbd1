package store

import "testing"

func TestSeedLinesAndLookups(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()

	ctx := t.Context()
	n, err := st.CountLines(ctx)
	if err != nil {
		t.Fatalf("CountLines: %v", err)
	}
	if n != 0 {
		t.Fatalf("CountLines on empty store = %d, want 0", n)
	}

	lines := []TransportLine{
		{LineName: "500T", TransportTypeID: 1, RoadType: "BUS", Description: "Bus 500T"},
		{LineName: "M1", TransportTypeID: 2, RoadType: "RAIL", Description: "Metro M1"},
	}
	if err := st.SeedLines(ctx, lines); err != nil {
		t.Fatalf("SeedLines: %v", err)
	}

	n, _ = st.CountLines(ctx)
	if n != 2 {
		t.Fatalf("CountLines after seed = %d, want 2", n)
	}

	got, err := st.GetLine(ctx, "M1")
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if got.RoadType != "RAIL" || got.TransportTypeID != 2 {
		t.Errorf("GetLine(M1) = %+v", got)
	}

	names, err := st.ListLineNames(ctx)
	if err != nil {
		t.Fatalf("ListLineNames: %v", err)
	}
	if len(names) != 2 || names[0] != "500T" || names[1] != "M1" {
		t.Fatalf("ListLineNames = %v, want sorted [500T M1]", names)
	}

	if _, err := st.GetLine(ctx, "UNKNOWN"); err == nil {
		t.Error("expected error for unknown line")
	}
}

func TestSeedLinesIgnoresDuplicates(t *testing.T) {
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()
	ctx := t.Context()

	line := TransportLine{LineName: "500T", TransportTypeID: 1, RoadType: "BUS"}
	if err := st.SeedLines(ctx, []TransportLine{line}); err != nil {
		t.Fatalf("SeedLines: %v", err)
	}
	if err := st.SeedLines(ctx, []TransportLine{line}); err != nil {
		t.Fatalf("second SeedLines: %v", err)
	}
	n, _ := st.CountLines(ctx)
	if n != 1 {
		t.Fatalf("CountLines = %d, want 1 (duplicate insert ignored)", n)
	}
}
