package session

import (
	"fmt"
	"strings"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// BuildPGN renders a completed game as PGN text.
func BuildPGN(rec *domain.GameRecord) string {
	if rec == nil {
		return ""
	}
	result := pgnResult(rec.Result)
	date := rec.EndedAt
	if date.IsZero() {
		date = rec.StartedAt
	}
	var b strings.Builder
	event := "Casual game"
	if rec.TournamentID != "" {
		event = "Tournament " + rec.TournamentID
	}
	fmt.Fprintf(&b, "[Event \"%s\"]\n", sanitizePGN(event))
	b.WriteString("[Site \"cheese-chess-server\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	if rec.Round > 0 {
		fmt.Fprintf(&b, "[Round \"%d\"]\n", rec.Round)
	}
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(rec.WhiteID))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(rec.BlackID))
	fmt.Fprintf(&b, "[TimeControl \"%s\"]\n", pgnTimeControl(rec.TimeControl))
	if rec.Reason != domain.ReasonNone {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(string(rec.Reason)))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", result)

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s ", i/2+1, strings.TrimSpace(rec.MovesSAN[i]))
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(strings.TrimSpace(rec.MovesSAN[i+1]))
			b.WriteString(" ")
		}
	}
	b.WriteString(result)
	return b.String()
}

// pgnResult maps results to PGN tokens. A double forfeit has no PGN token.
func pgnResult(r domain.Result) string {
	switch r {
	case domain.ResultWhiteWins, domain.ResultBlackWins, domain.ResultDraw:
		return string(r)
	default:
		return "*"
	}
}

// pgnTimeControl converts "3+2" (minutes+seconds) into the PGN seconds form "180+2".
func pgnTimeControl(tc string) string {
	parsed, err := domain.ParseTimeControl(tc)
	if err != nil {
		return "-"
	}
	return fmt.Sprintf("%d+%d", int(parsed.Base.Seconds()), int(parsed.Increment.Seconds()))
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
