package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bucket groups time controls that share one rating.
type Bucket string

const (
	BucketBullet    Bucket = "bullet"
	BucketBlitz     Bucket = "blitz"
	BucketRapid     Bucket = "rapid"
	BucketClassical Bucket = "classical"
)

// Bucket boundaries on the estimated game duration base + 40*increment.
const (
	bulletBelow = 180 * time.Second
	blitzBelow  = 480 * time.Second
	rapidBelow  = 1500 * time.Second
)

func ParseBucket(s string) (Bucket, bool) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case BucketBullet, BucketBlitz, BucketRapid, BucketClassical:
		return b, true
	}
	return "", false
}

// TimeControl is a base time plus a per-move increment.
type TimeControl struct {
	Base      time.Duration
	Increment time.Duration
}

// ParseTimeControl accepts "<minutes>+<seconds>", e.g. "3+2" or "10+0".
// A bare "<minutes>" means no increment. The base must be positive.
func ParseTimeControl(raw string) (TimeControl, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TimeControl{}, fmt.Errorf("%w: empty", ErrInvalidTimeControl)
	}
	basePart, incPart, hasInc := strings.Cut(s, "+")
	base, err := strconv.ParseFloat(strings.TrimSpace(basePart), 64)
	if err != nil || base < 0 {
		return TimeControl{}, fmt.Errorf("%w: base %q", ErrInvalidTimeControl, basePart)
	}
	inc := 0
	if hasInc {
		inc, err = strconv.Atoi(strings.TrimSpace(incPart))
		if err != nil || inc < 0 {
			return TimeControl{}, fmt.Errorf("%w: increment %q", ErrInvalidTimeControl, incPart)
		}
	}
	tc := TimeControl{
		Base:      time.Duration(base * float64(time.Minute)),
		Increment: time.Duration(inc) * time.Second,
	}
	if tc.Base <= 0 {
		return TimeControl{}, fmt.Errorf("%w: base must be positive", ErrInvalidTimeControl)
	}
	return tc, nil
}

// String renders the canonical "<minutes>+<seconds>" form.
func (tc TimeControl) String() string {
	mins := tc.Base.Minutes()
	base := strconv.FormatFloat(mins, 'f', -1, 64)
	return base + "+" + strconv.Itoa(int(tc.Increment/time.Second))
}

// Estimated is the nominal game length used for bucketing.
func (tc TimeControl) Estimated() time.Duration {
	return tc.Base + 40*tc.Increment
}

func (tc TimeControl) Bucket() Bucket {
	est := tc.Estimated()
	switch {
	case est < bulletBelow:
		return BucketBullet
	case est < blitzBelow:
		return BucketBlitz
	case est < rapidBelow:
		return BucketRapid
	default:
		return BucketClassical
	}
}

// RatingRecord is one player's Glicko-2 estimate in one bucket.
type RatingRecord struct {
	PlayerID    string    `json:"playerId"`
	Bucket      Bucket    `json:"bucket"`
	Rating      float64   `json:"rating"`
	RD          float64   `json:"rd"`
	Volatility  float64   `json:"volatility"`
	GamesPlayed int       `json:"gamesPlayed"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const (
	DefaultRating     = 1500.0
	DefaultRD         = 350.0
	DefaultVolatility = 0.06
	provisionalGames  = 10
)

// NewRatingRecord returns the starting estimate for an unrated player.
func NewRatingRecord(playerID string, bucket Bucket) RatingRecord {
	return RatingRecord{
		PlayerID:   playerID,
		Bucket:     bucket,
		Rating:     DefaultRating,
		RD:         DefaultRD,
		Volatility: DefaultVolatility,
	}
}

// Provisional is for display only.
func (r RatingRecord) Provisional() bool { return r.GamesPlayed < provisionalGames }
