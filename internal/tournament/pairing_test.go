package tournament

import (
	"testing"

	"github.com/park285/cheese-chess-server/internal/domain"
)

func cand(id string, score, rating float64, faced ...string) Candidate {
	c := Candidate{ID: id, Score: score, Rating: rating, Faced: map[string]bool{}}
	for _, f := range faced {
		c.Faced[f] = true
	}
	return c
}

func TestPairRound_OddRosterByeToLowest(t *testing.T) {
	cands := []Candidate{
		cand("p3", 0, 1700), cand("p1", 0, 1900), cand("p5", 0, 1500),
		cand("p2", 0, 1800), cand("p4", 0, 1600),
	}
	pairs, bye := PairRound(cands)
	if bye != "p5" {
		t.Fatalf("bye = %q, want p5", bye)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %+v", pairs)
	}
	if pairs[0] != (Pair{White: "p1", Black: "p2"}) || pairs[1] != (Pair{White: "p3", Black: "p4"}) {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestPairRound_ByeSkipsPriorRecipients(t *testing.T) {
	low := cand("low", 1, 1200)
	low.HadBye = true
	cands := []Candidate{cand("a", 1, 1800), cand("b", 1, 1700), low}
	_, bye := PairRound(cands)
	if bye != "b" {
		t.Fatalf("bye = %q, want b", bye)
	}

	all := []Candidate{low, cand("x", 2, 1500), cand("y", 2, 1400)}
	for i := range all {
		all[i].HadBye = true
	}
	if _, bye := PairRound(all); bye != "low" {
		t.Fatalf("fallback bye = %q, want low", bye)
	}
}

func TestPairRound_BacktracksAroundRepeats(t *testing.T) {
	// greedy top-down would give a-c and strand b with d
	cands := []Candidate{
		cand("a", 1, 1900, "b"),
		cand("b", 1, 1800, "a", "d"),
		cand("c", 0, 1700),
		cand("d", 0, 1600, "b"),
	}
	pairs, _ := PairRound(cands)
	seen := map[[2]string]bool{}
	for _, p := range pairs {
		seen[[2]string{p.White, p.Black}] = true
		seen[[2]string{p.Black, p.White}] = true
	}
	if !seen[[2]string{"a", "d"}] || !seen[[2]string{"b", "c"}] {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestPairRound_FallsBackWhenRepeatUnavoidable(t *testing.T) {
	cands := []Candidate{cand("a", 1, 1900, "b"), cand("b", 0, 1800, "a")}
	pairs, bye := PairRound(cands)
	if bye != "" || len(pairs) != 1 {
		t.Fatalf("pairs = %+v bye = %q", pairs, bye)
	}
}

func TestAssignColors(t *testing.T) {
	a := Candidate{ID: "a", Whites: 2, Last: domain.White}
	b := Candidate{ID: "b", Whites: 1, Last: domain.White}
	if w, _ := assignColors(a, b); w != "b" {
		t.Fatalf("fewer whites should get white, got %s", w)
	}

	a = Candidate{ID: "a", Whites: 1, Blacks: 1, Last: domain.White}
	b = Candidate{ID: "b", Whites: 1, Blacks: 1, Last: domain.Black}
	if w, _ := assignColors(a, b); w != "b" {
		t.Fatalf("alternation should give b white, got %s", w)
	}

	a = Candidate{ID: "a"}
	b = Candidate{ID: "b"}
	if w, _ := assignColors(a, b); w != "a" {
		t.Fatalf("higher ranked should get white on a full tie, got %s", w)
	}
}

func TestRecomputeBuchholz_Idempotent(t *testing.T) {
	tr := &Tournament{Participants: map[string]*Participant{
		"a": {UserID: "a", Score: 2, History: []HistoryEntry{{OpponentID: "b"}, {OpponentID: "c"}}},
		"b": {UserID: "b", Score: 1, History: []HistoryEntry{{OpponentID: "a"}}},
		"c": {UserID: "c", Score: 0.5, History: []HistoryEntry{{OpponentID: "a"}}},
	}}
	recomputeBuchholz(tr)
	first := tr.Participants["a"].Buchholz
	recomputeBuchholz(tr)
	if first != 1.5 || tr.Participants["a"].Buchholz != first || tr.Participants["b"].Buchholz != 2 {
		t.Fatalf("buchholz = %v / %v", first, tr.Participants["a"].Buchholz)
	}
}
