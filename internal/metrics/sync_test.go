package metrics

import (
	"testing"
	"time"
)

func TestPerformanceScore_CleanSession(t *testing.T) {
	c := SyncCounters{StepsBroadcast: 6, AcksAccepted: 6}

	if score := c.PerformanceScore(); score != 100 {
		t.Errorf("Expected score 100 for a clean session. Got: %d", score)
	}
}

func TestPerformanceScore_Deductions(t *testing.T) {
	c := SyncCounters{
		StepsBroadcast: 4,
		AcksAccepted:   4,
		StepRetries:    2, // -6
		DuplicateAcks:  1, // -1
		Desyncs:        1, // -12
	}

	if score := c.PerformanceScore(); score != 81 {
		t.Errorf("Expected score 81. Got: %d", score)
	}
}

func TestPerformanceScore_FloorsAtZero(t *testing.T) {
	c := SyncCounters{Desyncs: 10, RecoveryFailures: 10}

	if score := c.PerformanceScore(); score != 0 {
		t.Errorf("Expected score floored at 0. Got: %d", score)
	}
}

func TestGradeBands(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, "A"}, {95, "A"}, {94, "B"}, {85, "B"},
		{84, "C"}, {70, "C"}, {69, "D"}, {50, "D"}, {49, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.want {
			t.Errorf("Grade(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestBuildReport(t *testing.T) {
	c := SyncCounters{
		StepsBroadcast:    3,
		AcksAccepted:      3,
		StepRetries:       1,
		Desyncs:           1,
		RecoveriesApplied: 1,
	}

	report := c.BuildReport(3, 2500*time.Millisecond)

	if report.Score != 85 || report.Grade != "B" {
		t.Errorf("Expected 85/B, got %d/%s", report.Score, report.Grade)
	}
	if report.TotalSteps != 3 || report.AcksAccepted != 3 {
		t.Errorf("Step counters lost: %+v", report)
	}
	if report.DurationMs != 2500 {
		t.Errorf("Expected duration 2500ms, got %d", report.DurationMs)
	}
}
