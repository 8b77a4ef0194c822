package services

import (
	"testing"
	"time"

	"banggood-pipeline/models"
)

func TestCollapseLaterScrapeWins(t *testing.T) {
	d := NewDeduplicator(newTestLogger())

	early := record("BG123", "tools", "19.99", floatPtr(4.5), 230)
	early.ScrapeTimestamp = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	late := record("BG123", "tools", "17.99", floatPtr(4.5), 231)
	late.ScrapeTimestamp = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)
	other := record("BG200", "tools", "5", nil, 0)

	for _, order := range [][]*models.ProductRecord{
		{early, late, other},
		{late, other, early},
	} {
		out, collapsed := d.Collapse(order)
		if collapsed != 1 {
			t.Errorf("collapsed: got %d, want 1", collapsed)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 records, got %d", len(out))
		}
		if out[0].ProductID != "BG123" || out[0].Price.String() != "17.99" {
			t.Errorf("later scrape should win, got price %s", out[0].Price)
		}
	}
}

func TestCollapseTieIsOrderIndependent(t *testing.T) {
	d := NewDeduplicator(newTestLogger())
	ts := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

	a := record("BG1", "tools", "10", nil, 1)
	a.ScrapeTimestamp = ts
	b := record("BG1", "tools", "11", nil, 1)
	b.ScrapeTimestamp = ts

	out1, _ := d.Collapse([]*models.ProductRecord{a, b})
	out2, _ := d.Collapse([]*models.ProductRecord{b, a})
	if out1[0] != out2[0] {
		t.Errorf("tie resolved differently by input order: %s vs %s", out1[0].Price, out2[0].Price)
	}
}

func TestCollapseKeepsDistinctDays(t *testing.T) {
	d := NewDeduplicator(newTestLogger())
	a := record("BG1", "tools", "10", nil, 1)
	b := record("BG1", "tools", "10", nil, 1)
	b.SnapshotDate = a.SnapshotDate.AddDate(0, 0, 1)

	out, collapsed := d.Collapse([]*models.ProductRecord{b, a})
	if collapsed != 0 || len(out) != 2 {
		t.Fatalf("expected 2 records and no collapse, got %d/%d", len(out), collapsed)
	}
	if !out[0].SnapshotDate.Before(out[1].SnapshotDate) {
		t.Error("output should be sorted by key")
	}
}

func TestDecide(t *testing.T) {
	d := NewDeduplicator(newTestLogger())
	current := record("BG1", "tools", "10", floatPtr(4), 10)
	current.ScrapeTimestamp = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

	same := *current
	same.ScrapeTimestamp = current.ScrapeTimestamp.Add(time.Hour)

	changed := *current
	changed.ReviewCount = 11

	tests := []struct {
		name     string
		incoming *models.ProductRecord
		current  *models.ProductRecord
		want     Action
	}{
		{"new key", current, nil, ActionInsert},
		{"identical but rescraped", &same, current, ActionSkip},
		{"changed content", &changed, current, ActionReplace},
	}

	for _, tt := range tests {
		if got := d.Decide(tt.incoming, tt.current); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestFingerprintIgnoresScores(t *testing.T) {
	a := record("BG1", "tools", "10", floatPtr(4), 10)
	b := *a
	b.ValueScore = 99
	b.ScrapeTimestamp = time.Now()
	if Fingerprint(a) != Fingerprint(&b) {
		t.Error("fingerprint should only cover scraped content")
	}
	b.Title = "changed"
	if Fingerprint(a) == Fingerprint(&b) {
		t.Error("fingerprint should change with content")
	}
}
