package tournament

import (
	"sort"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// searchBudget bounds the backtracking pairing search.
const searchBudget = 200_000

// Candidate is a participant as seen by the pairing algorithm.
type Candidate struct {
	ID     string
	Score  float64
	Rating float64
	HadBye bool
	Faced  map[string]bool
	Whites int
	Blacks int
	Last   domain.Color
}

type Pair struct {
	White string
	Black string
}

// Rank sorts by score, then rating, then id.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ID < b.ID
	})
}

// PairRound ranks cands and pairs them. With an odd count the lowest-ranked
// candidate without a bye sits out; bye is empty otherwise.
func PairRound(cands []Candidate) (pairs []Pair, bye string) {
	ranked := append([]Candidate(nil), cands...)
	Rank(ranked)
	if len(ranked)%2 == 1 {
		idx := len(ranked) - 1
		for i := len(ranked) - 1; i >= 0; i-- {
			if !ranked[i].HadBye {
				idx = i
				break
			}
		}
		bye = ranked[idx].ID
		ranked = append(ranked[:idx], ranked[idx+1:]...)
	}
	if len(ranked) == 0 {
		return nil, bye
	}

	order, ok := searchPairs(ranked)
	if !ok {
		order = greedyPairs(ranked)
	}
	for _, pr := range order {
		w, b := assignColors(ranked[pr[0]], ranked[pr[1]])
		pairs = append(pairs, Pair{White: w, Black: b})
	}
	return pairs, bye
}

// searchPairs pairs top-down, backtracking when the remaining players
// cannot all meet new opponents.
func searchPairs(ranked []Candidate) ([][2]int, bool) {
	used := make([]bool, len(ranked))
	out := make([][2]int, 0, len(ranked)/2)
	steps := 0
	var rec func() bool
	rec = func() bool {
		steps++
		if steps > searchBudget {
			return false
		}
		top := -1
		for i := range ranked {
			if !used[i] {
				top = i
				break
			}
		}
		if top < 0 {
			return true
		}
		used[top] = true
		for j := top + 1; j < len(ranked); j++ {
			if used[j] || ranked[top].Faced[ranked[j].ID] {
				continue
			}
			used[j] = true
			out = append(out, [2]int{top, j})
			if rec() {
				return true
			}
			out = out[:len(out)-1]
			used[j] = false
			if steps > searchBudget {
				break
			}
		}
		used[top] = false
		return false
	}
	if rec() {
		return out, true
	}
	return nil, false
}

// greedyPairs pairs each top player with the first unfaced opponent, or the
// next available one when every remaining opponent was faced.
func greedyPairs(ranked []Candidate) [][2]int {
	used := make([]bool, len(ranked))
	var out [][2]int
	for i := range ranked {
		if used[i] {
			continue
		}
		pick := -1
		for j := i + 1; j < len(ranked); j++ {
			if used[j] {
				continue
			}
			if pick < 0 {
				pick = j
			}
			if !ranked[i].Faced[ranked[j].ID] {
				pick = j
				break
			}
		}
		if pick < 0 {
			break
		}
		used[i], used[pick] = true, true
		out = append(out, [2]int{i, pick})
	}
	return out
}

// assignColors gives white to the player with fewer whites. On a tie the
// player due to alternate gets white, and the higher-ranked a otherwise.
func assignColors(a, b Candidate) (white, black string) {
	switch {
	case a.Whites < b.Whites:
		return a.ID, b.ID
	case b.Whites < a.Whites:
		return b.ID, a.ID
	}
	aDue := a.Last == domain.Black
	bDue := b.Last == domain.Black
	aJust := a.Last == domain.White
	bJust := b.Last == domain.White
	switch {
	case aDue && !bDue:
		return a.ID, b.ID
	case bDue && !aDue:
		return b.ID, a.ID
	case aJust && !bJust:
		return b.ID, a.ID
	case bJust && !aJust:
		return a.ID, b.ID
	}
	return a.ID, b.ID
}
