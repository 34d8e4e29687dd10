// Package rules adapts github.com/corentings/chess/v2 to the game session.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-chess-server/internal/domain"
)

// Move is one applied move in both notations.
type Move struct {
	UCI   string
	SAN   string
	Check bool
}

// Terminal describes a finished position.
type Terminal struct {
	Result domain.Result
	Reason domain.Reason
}

// Board is the position owned by one game session.
type Board interface {
	// Play validates and applies moveSpec (UCI or SAN). Illegal input
	// returns domain.ErrIllegalMove and leaves the position unchanged.
	Play(moveSpec string) (Move, error)
	Turn() domain.Color
	FEN() string
	MovesUCI() []string
	MovesSAN() []string
	// Terminal reports whether the position ended the game.
	Terminal() (Terminal, bool)
}

// Engine creates boards.
type Engine interface {
	NewBoard() Board
}

// Chess is the Engine backed by corentings/chess.
type Chess struct{}

func (Chess) NewBoard() Board { return newBoard() }

type board struct {
	game *nchess.Game
	uci  []string
	san  []string
}

func newBoard() *board {
	return &board{game: nchess.NewGame(), uci: []string{}, san: []string{}}
}

// BoardFromFEN starts a board from an arbitrary position. Move lists start
// empty.
func BoardFromFEN(fen string) (Board, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return &board{game: nchess.NewGame(opt), uci: []string{}, san: []string{}}, nil
}

func (b *board) Play(moveSpec string) (Move, error) {
	raw := strings.TrimSpace(moveSpec)
	if raw == "" {
		return Move{}, fmt.Errorf("%w: empty move", domain.ErrIllegalMove)
	}
	if b.game.Outcome() != nchess.NoOutcome {
		return Move{}, domain.ErrGameAlreadyOver
	}
	pos := b.game.Position()
	if err := b.game.PushNotationMove(strings.ToLower(raw), nchess.UCINotation{}, nil); err != nil {
		if err := b.game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
			return Move{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, raw)
		}
	}
	last := lastMove(b.game)
	if last == nil {
		return Move{}, fmt.Errorf("%w: %s", domain.ErrIllegalMove, raw)
	}
	mv := Move{
		UCI:   last.String(),
		SAN:   nchess.AlgebraicNotation{}.Encode(pos, last),
		Check: last.HasTag(nchess.Check),
	}
	b.uci = append(b.uci, mv.UCI)
	b.san = append(b.san, mv.SAN)
	b.claimDraws()
	return mv, nil
}

// claimDraws ends the game on threefold repetition or the fifty-move rule,
// which the library only makes eligible.
func (b *board) claimDraws() {
	if b.game.Outcome() != nchess.NoOutcome {
		return
	}
	for _, m := range b.game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			_ = b.game.Draw(m)
			return
		}
	}
}

func (b *board) Turn() domain.Color { return colorFrom(b.game.Position().Turn()) }

func (b *board) FEN() string { return b.game.FEN() }

func (b *board) MovesUCI() []string { return append([]string(nil), b.uci...) }

func (b *board) MovesSAN() []string { return append([]string(nil), b.san...) }

func (b *board) Terminal() (Terminal, bool) {
	var res domain.Result
	switch b.game.Outcome() {
	case nchess.WhiteWon:
		res = domain.ResultWhiteWins
	case nchess.BlackWon:
		res = domain.ResultBlackWins
	case nchess.Draw:
		res = domain.ResultDraw
	default:
		return Terminal{}, false
	}
	return Terminal{Result: res, Reason: reasonFrom(b.game.Method())}, true
}

func reasonFrom(m nchess.Method) domain.Reason {
	switch m {
	case nchess.Checkmate:
		return domain.ReasonCheckmate
	case nchess.Stalemate:
		return domain.ReasonStalemate
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return domain.ReasonRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return domain.ReasonFiftyMoveRule
	case nchess.InsufficientMaterial:
		return domain.ReasonInsufficientMaterial
	default:
		return domain.ReasonNone
	}
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) domain.Color {
	if c == nchess.White {
		return domain.White
	}
	return domain.Black
}
