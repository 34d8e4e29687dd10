package domain

import "time"

// Color identifies a chess side. The zero value means "no side".
type Color string

const (
	NoColor Color = ""
	White   Color = "white"
	Black   Color = "black"
)

func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoColor
	}
}

func (c Color) Valid() bool { return c == White || c == Black }

// Result is the scored outcome of a game or pairing.
type Result string

const (
	ResultNone          Result = ""
	ResultWhiteWins     Result = "1-0"
	ResultBlackWins     Result = "0-1"
	ResultDraw          Result = "1/2-1/2"
	ResultDoubleForfeit Result = "0-0"
)

// WinFor returns the result where c wins.
func WinFor(c Color) Result {
	if c == White {
		return ResultWhiteWins
	}
	return ResultBlackWins
}

// ScoreFor returns the points c earns under r.
func (r Result) ScoreFor(c Color) float64 {
	switch r {
	case ResultWhiteWins:
		if c == White {
			return 1
		}
	case ResultBlackWins:
		if c == Black {
			return 1
		}
	case ResultDraw:
		return 0.5
	}
	return 0
}

func (r Result) Decided() bool { return r != ResultNone }

func ParseResult(s string) (Result, bool) {
	switch Result(s) {
	case ResultWhiteWins, ResultBlackWins, ResultDraw, ResultDoubleForfeit:
		return Result(s), true
	}
	return ResultNone, false
}

// Reason explains why a game reached Completed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonCheckmate            Reason = "Checkmate"
	ReasonStalemate            Reason = "Stalemate"
	ReasonRepetition           Reason = "Repetition"
	ReasonInsufficientMaterial Reason = "InsufficientMaterial"
	ReasonFiftyMoveRule        Reason = "FiftyMoveRule"
	ReasonTimeout              Reason = "Timeout"
	ReasonResignation          Reason = "Resignation"
	ReasonDrawAgreement        Reason = "DrawAgreement"
	ReasonAbandonment          Reason = "Abandonment"
	ReasonForfeit              Reason = "Forfeit"
)

// GameStatus is the lifecycle of a game session.
type GameStatus string

const (
	StatusActive    GameStatus = "Active"
	StatusCompleted GameStatus = "Completed"
)

// RatingChange is the before/after pair for one player produced by settlement.
type RatingChange struct {
	PlayerID string  `json:"playerId"`
	Bucket   Bucket  `json:"bucket"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	RDBefore float64 `json:"rdBefore"`
	RDAfter  float64 `json:"rdAfter"`
	Delta    float64 `json:"delta"`
}

// GameRecord is the persisted shape of a completed game.
type GameRecord struct {
	ID           string
	WhiteID      string
	BlackID      string
	TimeControl  string
	Bucket       Bucket
	Rated        bool
	TournamentID string
	Round        int
	Result       Result
	Reason       Reason
	FEN          string
	MovesUCI     []string
	MovesSAN     []string
	PGN          string
	WhiteBefore  float64
	WhiteAfter   float64
	BlackBefore  float64
	BlackAfter   float64
	StartedAt    time.Time
	EndedAt      time.Time
}
