// Package penalty computes the load-balancing score for an audio node from a
// rolling window of its recent track-lifecycle events plus its latest
// server-reported statistics.
package penalty

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jwc-audio/jwc/proto"
)

// Block is the score returned for a node that cannot be scored at all —
// unavailable, missing stats, or whose recent load attempts have all
// failed. The balancer does not treat it specially: a Block-scored
// available node is still picked when no candidate scores lower.
const Block = 10_000_000

// EventKind buckets a remote track-lifecycle message into one of the four
// counters the penalty formula sums over.
type EventKind int

const (
	LoadAttempt EventKind = iota
	LoadFailed
	TrackException
	TrackStuck
)

const (
	minuteLayout  = "2006-01-02 15:04"
	historyMinutes = 100
)

type counters struct {
	loadAttempt     int
	loadFailed      int
	trackException  int
	trackStuck      int
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClampedPenalties floors the track-stuck and track-exception penalty
// terms at zero instead of letting a zero count contribute a negative
// constant. The distilled formula being tracked here does not clamp; this
// option opts into the corrected arithmetic for callers that don't need
// bit-exact reproduction. See the open question in the project's design
// notes.
func WithClampedPenalties() Option {
	return func(t *Tracker) { t.clamp = true }
}

// WithClock overrides the wall clock used to derive the current minute-key.
// Tests use this to avoid depending on real time.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker accumulates per-minute event counters for one audio node in a
// bounded LRU so long-idle nodes don't grow memory without limit, and
// computes the balancer score from the aggregate plus the node's latest
// stats snapshot.
type Tracker struct {
	mu      sync.Mutex
	minutes *lru.Cache[string, *counters]
	now     func() time.Time
	clamp   bool
}

// NewTracker returns an empty Tracker retaining at most the last 100
// distinct minute-keys seen.
func NewTracker(opts ...Option) *Tracker {
	cache, err := lru.New[string, *counters](historyMinutes)
	if err != nil {
		// Only returns an error for a non-positive size, which historyMinutes
		// never is.
		panic(err)
	}
	t := &Tracker{minutes: cache, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record increments the bucket for kind in the current minute.
func (t *Tracker) Record(kind EventKind) {
	key := t.now().UTC().Format(minuteLayout)

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.minutes.Get(key)
	if !ok {
		c = &counters{}
		t.minutes.Add(key, c)
	}
	switch kind {
	case LoadAttempt:
		c.loadAttempt++
	case LoadFailed:
		c.loadFailed++
	case TrackException:
		c.trackException++
	case TrackStuck:
		c.trackStuck++
	}
}

// RecordTrackEnd buckets a track-end event, counting it as LoadFailed only
// when reason indicates the load itself failed.
func (t *Tracker) RecordTrackEnd(reason string) {
	if reason == proto.TrackEndReasonLoadFailed {
		t.Record(LoadFailed)
	}
}

// Reset discards all retained minute buckets. Called when a node transitions
// from disconnected to ready without session resumption, since the server
// side state the counters were modeling no longer exists.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minutes.Purge()
}

// Empty reports whether the tracker currently holds no buckets. Used by
// tests to assert Reset behavior (property 5 of the coordination layer).
func (t *Tracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minutes.Len() == 0
}

func (t *Tracker) aggregate() counters {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total counters
	for _, key := range t.minutes.Keys() {
		c, ok := t.minutes.Peek(key)
		if !ok {
			continue
		}
		total.loadAttempt += c.loadAttempt
		total.loadFailed += c.loadFailed
		total.trackException += c.trackException
		total.trackStuck += c.trackStuck
	}
	return total
}

// CalculateTotal returns the balancer score for a node, or Block. Without
// WithClampedPenalties the score can be negative: zero stuck and exception
// counts contribute -100 and -10.
// available and stats reflect the node's current state;
// locallyCountedPlayingPlayers is
// the locally-counted number of players with a non-nil track, used to floor
// the player-penalty term against a stale or absent server count.
func (t *Tracker) CalculateTotal(available bool, stats *proto.Stats, locallyCountedPlayingPlayers int) int {
	if !available || stats == nil {
		return Block
	}

	agg := t.aggregate()
	if agg.loadAttempt > 0 && agg.loadAttempt == agg.loadFailed {
		return Block
	}

	playerPenalty := locallyCountedPlayingPlayers
	if stats.PlayingPlayers > playerPenalty {
		playerPenalty = stats.PlayingPlayers
	}

	cpuPenalty := int(math.Floor(math.Pow(1.05, 100*stats.CPU.SystemLoad)*10 - 10))

	var deficitPenalty, nulledPenalty int
	if stats.Frames != nil && stats.Frames.Deficit != -1 {
		deficitPenalty = int(math.Floor(math.Pow(1.03, 500*float64(stats.Frames.Deficit)/3000)*600 - 600))
		nulledPenalty = 2 * int(math.Floor(math.Pow(1.03, 500*float64(stats.Frames.Nulled)/3000)*600-600))
	}

	trackStuckPenalty := 100*agg.trackStuck - 100
	trackExceptionPenalty := 10*agg.trackException - 10
	if t.clamp {
		trackStuckPenalty = max(trackStuckPenalty, 0)
		trackExceptionPenalty = max(trackExceptionPenalty, 0)
	}

	var loadFailedPenalty int
	if agg.loadFailed > 0 && agg.loadAttempt > 0 {
		loadFailedPenalty = agg.loadFailed / agg.loadAttempt
	}

	return playerPenalty + cpuPenalty + deficitPenalty + nulledPenalty +
		trackStuckPenalty + trackExceptionPenalty + loadFailedPenalty
}
