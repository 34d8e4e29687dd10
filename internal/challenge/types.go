package challenge

import (
	"strings"
	"time"

	"github.com/park285/cheese-chess-server/internal/domain"
)

type ColorChoice string

const (
	ColorWhite  ColorChoice = "white"
	ColorBlack  ColorChoice = "black"
	ColorRandom ColorChoice = "random"
)

func ParseColorChoice(s string) ColorChoice {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return ColorWhite
	case "black", "b":
		return ColorBlack
	default:
		return ColorRandom
	}
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDeclined Status = "DECLINED"
	StatusExpired  Status = "EXPIRED"
)

// Challenge is a direct game offer from one player to another.
type Challenge struct {
	ID           string             `json:"id"`
	ChallengerID string             `json:"challengerId"`
	TargetID     string             `json:"targetId"`
	Color        ColorChoice        `json:"color"`
	TimeControl  domain.TimeControl `json:"-"`
	Rated        bool               `json:"rated"`
	Status       Status             `json:"status"`
	GameID       string             `json:"gameId,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}
