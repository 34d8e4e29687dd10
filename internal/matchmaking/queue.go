package matchmaking

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// Request is one waiting player.
type Request struct {
	PlayerID    string
	Rating      float64
	TimeControl domain.TimeControl
	EnqueuedAt  time.Time
}

// Config tunes the matching pass.
type Config struct {
	GapThreshold    float64
	WaitBonusPerSec float64
	MaxWaitBonus    float64
	MaxPatience     time.Duration
}

func DefaultConfig() Config {
	return Config{
		GapThreshold:    100,
		WaitBonusPerSec: 10,
		MaxWaitBonus:    400,
		MaxPatience:     60 * time.Second,
	}
}

// queue holds the requests of one time control, sorted by rating and then
// by arrival.
type queue struct {
	key string
	tc  domain.TimeControl

	mu      sync.Mutex
	entries []*Request
}

func newQueue(tc domain.TimeControl) *queue {
	return &queue{key: tc.String(), tc: tc}
}

func (q *queue) insertLocked(r *Request) {
	i := sort.Search(len(q.entries), func(i int) bool {
		e := q.entries[i]
		if e.Rating != r.Rating {
			return e.Rating > r.Rating
		}
		return e.EnqueuedAt.After(r.EnqueuedAt)
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = r
}

func (q *queue) removeLocked(playerID string) (*Request, bool) {
	for i, e := range q.entries {
		if e.PlayerID == playerID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return nil, false
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// takePairsLocked removes and returns every pair the matching pass accepts at now.
func (q *queue) takePairsLocked(now time.Time, cfg Config) [][2]*Request {
	var pairs [][2]*Request
	for len(q.entries) >= 2 {
		i, ok := q.bestPairLocked(now, cfg)
		if !ok {
			i, ok = q.patiencePairLocked(now, cfg)
		}
		if !ok {
			break
		}
		a, b := q.entries[i], q.entries[i+1]
		q.entries = append(q.entries[:i], q.entries[i+2:]...)
		pairs = append(pairs, [2]*Request{a, b})
	}
	return pairs
}

// bestPairLocked returns the index of the adjacent pair with the smallest
// effective gap, if that gap is under the threshold.
func (q *queue) bestPairLocked(now time.Time, cfg Config) (int, bool) {
	best, bestGap := -1, math.Inf(1)
	for i := 0; i+1 < len(q.entries); i++ {
		gap := effectiveGap(q.entries[i], q.entries[i+1], now, cfg)
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best, best >= 0 && bestGap < cfg.GapThreshold
}

// patiencePairLocked pairs the oldest request with its nearest rating once
// it has waited past MaxPatience.
func (q *queue) patiencePairLocked(now time.Time, cfg Config) (int, bool) {
	oldest := 0
	for i, e := range q.entries {
		if e.EnqueuedAt.Before(q.entries[oldest].EnqueuedAt) {
			oldest = i
		}
	}
	if now.Sub(q.entries[oldest].EnqueuedAt) < cfg.MaxPatience {
		return 0, false
	}
	switch {
	case oldest == 0:
		return 0, true
	case oldest == len(q.entries)-1:
		return oldest - 1, true
	}
	r := q.entries[oldest].Rating
	below := r - q.entries[oldest-1].Rating
	above := q.entries[oldest+1].Rating - r
	if below <= above {
		return oldest - 1, true
	}
	return oldest, true
}

func effectiveGap(a, b *Request, now time.Time, cfg Config) float64 {
	waited := now.Sub(a.EnqueuedAt)
	if w := now.Sub(b.EnqueuedAt); w > waited {
		waited = w
	}
	bonus := math.Min(cfg.WaitBonusPerSec*waited.Seconds(), cfg.MaxWaitBonus)
	if bonus < 0 {
		bonus = 0
	}
	return math.Abs(a.Rating-b.Rating) - bonus
}
