package domain

import "errors"

// Error is a client-facing failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func newErr(code, msg string) *Error { return &Error{Code: code, Message: msg} }

var (
	ErrNotYourTurn       = newErr("NOT_YOUR_TURN", "not your turn")
	ErrIllegalMove       = newErr("ILLEGAL_MOVE", "illegal move")
	ErrGameAlreadyOver   = newErr("GAME_ALREADY_OVER", "game already over")
	ErrNotAuthenticated  = newErr("NOT_AUTHENTICATED", "not authenticated")
	ErrTournamentFull    = newErr("TOURNAMENT_FULL", "tournament full")
	ErrAlreadyRegistered = newErr("ALREADY_REGISTERED", "already registered")
	ErrTournamentClosed  = newErr("TOURNAMENT_CLOSED", "tournament closed")
	ErrPairingNotFound   = newErr("PAIRING_NOT_FOUND", "pairing not found")

	ErrNotParticipant     = newErr("NOT_PARTICIPANT", "not a participant")
	ErrGameNotFound       = newErr("GAME_NOT_FOUND", "game not found")
	ErrNoDrawOffer        = newErr("NO_DRAW_OFFER", "no draw offer to answer")
	ErrPlayerBusy         = newErr("PLAYER_BUSY", "player already in a game")
	ErrTournamentNotFound = newErr("TOURNAMENT_NOT_FOUND", "tournament not found")
	ErrNotEnoughPlayers   = newErr("NOT_ENOUGH_PLAYERS", "not enough players")
	ErrInvalidTimeControl = newErr("INVALID_TIME_CONTROL", "invalid time control")
	ErrChallengeNotFound  = newErr("CHALLENGE_NOT_FOUND", "challenge not found")
	ErrSelfChallenge      = newErr("SELF_CHALLENGE", "cannot challenge yourself")
	ErrAlreadyPending     = newErr("ALREADY_PENDING", "target already has a pending challenge")
	ErrBadRequest         = newErr("BAD_REQUEST", "bad request")
)

// CodeOf returns the taxonomy code carried by err, or "INTERNAL".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL"
}

// IsRetryable reports whether err, or an error it wraps, says the same call
// may succeed later.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
