package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseTimeControl_Buckets(t *testing.T) {
	cases := []struct {
		raw    string
		base   time.Duration
		inc    time.Duration
		bucket Bucket
	}{
		{"1+0", time.Minute, 0, BucketBullet},
		{"2+1", 2 * time.Minute, time.Second, BucketBullet},
		{"3+0", 3 * time.Minute, 0, BucketBlitz},
		{"1+3", time.Minute, 3 * time.Second, BucketBlitz},
		{"3+2", 3 * time.Minute, 2 * time.Second, BucketBlitz},
		{"8+0", 8 * time.Minute, 0, BucketRapid},
		{"10+0", 10 * time.Minute, 0, BucketRapid},
		{"15+10", 15 * time.Minute, 10 * time.Second, BucketRapid},
		{"25+0", 25 * time.Minute, 0, BucketClassical},
		{"15+15", 15 * time.Minute, 15 * time.Second, BucketClassical},
		{"30", 30 * time.Minute, 0, BucketClassical},
	}
	for _, c := range cases {
		tc, err := ParseTimeControl(c.raw)
		if err != nil {
			t.Fatalf("ParseTimeControl(%q): %v", c.raw, err)
		}
		if tc.Base != c.base || tc.Increment != c.inc {
			t.Fatalf("%q parsed as %v+%v", c.raw, tc.Base, tc.Increment)
		}
		if got := tc.Bucket(); got != c.bucket {
			t.Fatalf("%q bucket=%s want %s", c.raw, got, c.bucket)
		}
	}
}

func TestParseTimeControl_Invalid(t *testing.T) {
	for _, raw := range []string{"", "x+2", "3+y", "0+0", "0+2", "-1+0", "3+-1"} {
		if _, err := ParseTimeControl(raw); !errors.Is(err, ErrInvalidTimeControl) {
			t.Fatalf("ParseTimeControl(%q) err=%v, want ErrInvalidTimeControl", raw, err)
		}
	}
}

func TestTimeControlString(t *testing.T) {
	tc, _ := ParseTimeControl(" 3 + 2 ")
	if tc.String() != "3+2" {
		t.Fatalf("String()=%q", tc.String())
	}
}

func TestResultScoreFor(t *testing.T) {
	if ResultWhiteWins.ScoreFor(White) != 1 || ResultWhiteWins.ScoreFor(Black) != 0 {
		t.Fatalf("1-0 scoring wrong")
	}
	if ResultDraw.ScoreFor(White) != 0.5 || ResultDraw.ScoreFor(Black) != 0.5 {
		t.Fatalf("draw scoring wrong")
	}
	if ResultDoubleForfeit.ScoreFor(White) != 0 || ResultDoubleForfeit.ScoreFor(Black) != 0 {
		t.Fatalf("0-0 scoring wrong")
	}
	if WinFor(Black) != ResultBlackWins {
		t.Fatalf("WinFor(Black)=%s", WinFor(Black))
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("move e2e5: %w", ErrIllegalMove)
	if CodeOf(err) != "ILLEGAL_MOVE" {
		t.Fatalf("CodeOf=%s", CodeOf(err))
	}
	if CodeOf(errors.New("boom")) != "INTERNAL" {
		t.Fatalf("unexpected code for plain error")
	}
}

func TestRatingRecordProvisional(t *testing.T) {
	r := NewRatingRecord("u1", BucketBlitz)
	if !r.Provisional() {
		t.Fatalf("new record should be provisional")
	}
	r.GamesPlayed = 10
	if r.Provisional() {
		t.Fatalf("10 games should not be provisional")
	}
}
