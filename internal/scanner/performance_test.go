package scanner

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestMonitor_FirstSampleSetsBaseline(t *testing.T) {
	m := NewMonitor(0)
	m.RecordOperation(OpMetadataExtraction, "/a.mp3", 200*time.Millisecond)

	stats := m.Report().Operations[OpMetadataExtraction]
	if stats.AvgMillis != 200 {
		t.Errorf("avg after first sample = %v, want 200", stats.AvgMillis)
	}
	if stats.Count != 1 {
		t.Errorf("count = %d, want 1", stats.Count)
	}
}

func TestMonitor_MovingAverage(t *testing.T) {
	m := NewMonitor(0)
	m.RecordOperation(OpDatabaseInsert, "", 100*time.Millisecond)
	m.RecordOperation(OpDatabaseInsert, "", 200*time.Millisecond)

	// 100*0.9 + 200*0.1 = 110
	stats := m.Report().Operations[OpDatabaseInsert]
	if stats.AvgMillis != 110 {
		t.Errorf("avg = %v, want 110", stats.AvgMillis)
	}
	if stats.MaxMillis != 200 {
		t.Errorf("max = %v, want 200", stats.MaxMillis)
	}
}

func TestMonitor_TracksSlowOperations(t *testing.T) {
	m := NewMonitor(0)

	m.RecordOperation(OpFileRead, "/fast.mp3", 100*time.Millisecond)
	m.RecordOperation(OpFileRead, "/slow.mp3", 600*time.Millisecond)
	m.RecordOperation(OpFileRead, "/slower.mp3", 900*time.Millisecond)

	slow := m.Report().SlowOperations
	if len(slow) != 2 {
		t.Fatalf("slow ops = %d, want 2", len(slow))
	}
	if slow[0].Path != "/slower.mp3" || slow[1].Path != "/slow.mp3" {
		t.Errorf("slow ops not sorted slowest first: %+v", slow)
	}
}

func TestMonitor_CustomSlowThreshold(t *testing.T) {
	m := NewMonitor(50 * time.Millisecond)

	m.RecordOperation(OpFileRead, "/fast.mp3", 20*time.Millisecond)
	m.RecordOperation(OpFileRead, "/slow.mp3", 80*time.Millisecond)

	slow := m.Report().SlowOperations
	if len(slow) != 1 || slow[0].Path != "/slow.mp3" {
		t.Errorf("slow ops = %+v, want only /slow.mp3 over the 50ms threshold", slow)
	}
}

func TestMonitor_KeepsOnlyTenSlowest(t *testing.T) {
	m := NewMonitor(0)
	for i := 1; i <= 15; i++ {
		m.RecordOperation(OpFileRead, fmt.Sprintf("/f%d.mp3", i),
			time.Duration(500+i*10)*time.Millisecond)
	}

	slow := m.Report().SlowOperations
	if len(slow) != 10 {
		t.Fatalf("slow ops = %d, want 10", len(slow))
	}
	// The slowest recording survives, the ten fastest slow ops are dropped.
	if slow[0].Path != "/f15.mp3" {
		t.Errorf("slowest = %s, want /f15.mp3", slow[0].Path)
	}
	if slow[9].Path != "/f6.mp3" {
		t.Errorf("tenth = %s, want /f6.mp3", slow[9].Path)
	}
}

func TestMonitor_RecommendsOnHighErrorRate(t *testing.T) {
	m := NewMonitor(0)
	for i := 0; i < 8; i++ {
		m.RecordFile(true)
	}
	m.RecordFile(false)
	m.RecordFile(false)

	recs := m.Recommendations()
	found := false
	for _, r := range recs {
		if strings.Contains(r, "failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high-error-rate recommendation, got %v", recs)
	}
}

func TestMonitor_RecommendsOnLowThroughput(t *testing.T) {
	m := NewMonitor(0)
	m.started = time.Now().Add(-10 * time.Second)
	for i := 0; i < 12; i++ {
		m.RecordFile(true)
	}

	// 12 files over 10 seconds is 1.2 files/s.
	recs := m.Recommendations()
	found := false
	for _, r := range recs {
		if strings.Contains(r, "throughput") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected low-throughput recommendation, got %v", recs)
	}
}

func TestMonitor_NoRecommendationsForHealthyScan(t *testing.T) {
	m := NewMonitor(0)
	m.started = time.Now().Add(-time.Second)
	for i := 0; i < 100; i++ {
		m.RecordFile(true)
	}

	if recs := m.Recommendations(); len(recs) != 0 {
		t.Errorf("expected no recommendations, got %v", recs)
	}
}

func TestMonitor_Throughput(t *testing.T) {
	m := NewMonitor(0)
	m.started = time.Now().Add(-2 * time.Second)
	for i := 0; i < 10; i++ {
		m.RecordFile(true)
	}

	got := m.Report().Throughput
	if got < 4 || got > 6 {
		t.Errorf("throughput = %v, want about 5 files/s", got)
	}
}
