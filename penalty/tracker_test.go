package penalty

import (
	"testing"
	"time"

	"github.com/jwc-audio/jwc/proto"
)

func TestCalculateTotalUnavailableOrNoStats(t *testing.T) {
	tr := NewTracker()
	if got := tr.CalculateTotal(false, &proto.Stats{}, 0); got != Block {
		t.Errorf("unavailable: got %d, want Block", got)
	}
	if got := tr.CalculateTotal(true, nil, 0); got != Block {
		t.Errorf("nil stats: got %d, want Block", got)
	}
}

func TestCalculateTotalAllLoadAttemptsFailed(t *testing.T) {
	tr := NewTracker()
	tr.Record(LoadAttempt)
	tr.Record(LoadAttempt)
	tr.Record(LoadFailed)
	tr.Record(LoadFailed)

	if got := tr.CalculateTotal(true, &proto.Stats{}, 0); got != Block {
		t.Errorf("got %d, want Block when load_attempts == load_failed", got)
	}
}

func TestCalculateTotalBasic(t *testing.T) {
	tr := NewTracker()
	stats := &proto.Stats{PlayingPlayers: 3}
	got := tr.CalculateTotal(true, stats, 1)
	// playerPenalty=3, cpuPenalty=floor(1.05^0*10-10)=0, no frames,
	// stuck/exception terms with zero counts: -100 + -10 = -110.
	want := 3 + 0 - 100 - 10
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestCalculateTotalClampedOption(t *testing.T) {
	tr := NewTracker(WithClampedPenalties())
	stats := &proto.Stats{PlayingPlayers: 0}
	got := tr.CalculateTotal(true, stats, 0)
	if got != 0 {
		t.Errorf("clamped: got %d, want 0", got)
	}
}

func TestCalculateTotalFramePenalties(t *testing.T) {
	tr := NewTracker(WithClampedPenalties())
	stats := &proto.Stats{
		Frames: &proto.FrameStats{Deficit: 3000, Nulled: 0},
	}
	got := tr.CalculateTotal(true, stats, 0)
	if got <= 0 {
		t.Errorf("expected positive deficit penalty contribution, got %d", got)
	}
}

func TestCalculateTotalFrameDeficitSkippedWhenMinusOne(t *testing.T) {
	tr := NewTracker(WithClampedPenalties())
	stats := &proto.Stats{
		Frames: &proto.FrameStats{Deficit: -1, Nulled: 9999},
	}
	got := tr.CalculateTotal(true, stats, 0)
	if got != 0 {
		t.Errorf("deficit -1 should skip frame penalties entirely, got %d", got)
	}
}

func TestCalculateTotalLoadFailedPartial(t *testing.T) {
	tr := NewTracker(WithClampedPenalties())
	tr.Record(LoadAttempt)
	tr.Record(LoadAttempt)
	tr.Record(LoadAttempt)
	tr.Record(LoadFailed)

	got := tr.CalculateTotal(true, &proto.Stats{}, 0)
	// loadFailedPenalty = 1/3 = 0 (integer division)
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestResetClearsBuckets(t *testing.T) {
	tr := NewTracker()
	tr.Record(LoadAttempt)
	if tr.Empty() {
		t.Fatal("expected non-empty tracker after Record")
	}
	tr.Reset()
	if !tr.Empty() {
		t.Error("expected empty tracker after Reset")
	}
}

func TestLRUEviction(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	tr := NewTracker(WithClock(func() time.Time { return cur }))

	for i := 0; i < historyMinutes+10; i++ {
		tr.Record(LoadAttempt)
		cur = cur.Add(time.Minute)
	}

	tr.mu.Lock()
	n := tr.minutes.Len()
	tr.mu.Unlock()
	if n > historyMinutes {
		t.Errorf("tracker retained %d minute buckets, want <= %d", n, historyMinutes)
	}
}

func TestRecordTrackEndBucketsOnlyLoadFailed(t *testing.T) {
	tr := NewTracker()
	tr.RecordTrackEnd("FINISHED")
	tr.RecordTrackEnd(proto.TrackEndReasonLoadFailed)

	agg := tr.aggregate()
	if agg.loadFailed != 1 {
		t.Errorf("loadFailed = %d, want 1", agg.loadFailed)
	}
}
