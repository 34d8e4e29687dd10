// Package tournament runs Swiss-system tournaments on top of game sessions.
package tournament

import (
	"time"

	"github.com/park285/cheese-chess-server/internal/domain"
)

type Status string

const (
	StatusUpcoming  Status = "Upcoming"
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
)

// Config is the input to Create.
type Config struct {
	Name         string
	TimeControl  domain.TimeControl
	TotalRounds  int
	MaxPlayers   int
	ForfeitAfter time.Duration
}

// HistoryEntry is one completed pairing from a participant's point of view.
type HistoryEntry struct {
	Round      int           `json:"round"`
	OpponentID string        `json:"opponentId"`
	Color      domain.Color  `json:"color"`
	Result     domain.Result `json:"result"`
}

type Participant struct {
	UserID              string         `json:"userId"`
	Rating              float64        `json:"rating"`
	Score               float64        `json:"score"`
	Buchholz            float64        `json:"buchholz"`
	History             []HistoryEntry `json:"history"`
	HasHadBye           bool           `json:"hasHadBye"`
	IsWithdrawn         bool           `json:"isWithdrawn"`
	ConsecutiveForfeits int            `json:"consecutiveForfeits"`
	GamesPlayed         int            `json:"gamesPlayed"`
	LastActivityAt      time.Time      `json:"lastActivityAt"`
	RegisteredAt        time.Time      `json:"registeredAt"`
}

// Faced reports whether p already played opponentID.
func (p *Participant) Faced(opponentID string) bool {
	for _, h := range p.History {
		if h.OpponentID == opponentID {
			return true
		}
	}
	return false
}

// Colors counts the whites and blacks played and returns the latest color.
func (p *Participant) Colors() (whites, blacks int, last domain.Color) {
	for _, h := range p.History {
		switch h.Color {
		case domain.White:
			whites++
		case domain.Black:
			blacks++
		}
		last = h.Color
	}
	return whites, blacks, last
}

// Pairing is one board of a round. BlackID is empty for a bye.
type Pairing struct {
	ID          string        `json:"id"`
	Round       int           `json:"round"`
	WhiteID     string        `json:"whiteId"`
	BlackID     string        `json:"blackId,omitempty"`
	GameID      string        `json:"gameId,omitempty"`
	Result      domain.Result `json:"result,omitempty"`
	IsForfeited bool          `json:"isForfeited"`
	ForfeitedBy []string      `json:"forfeitedBy,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func (p *Pairing) IsBye() bool { return p.BlackID == "" }

type Standing struct {
	Rank        int     `json:"rank"`
	UserID      string  `json:"userId"`
	Score       float64 `json:"score"`
	Buchholz    float64 `json:"buchholz"`
	Rating      float64 `json:"rating"`
	GamesPlayed int     `json:"gamesPlayed"`
	Withdrawn   bool    `json:"withdrawn"`
}

type Tournament struct {
	ID           string                  `json:"id"`
	Slug         string                  `json:"slug"`
	Name         string                  `json:"name"`
	TimeControl  domain.TimeControl      `json:"-"`
	TotalRounds  int                     `json:"totalRounds"`
	MaxPlayers   int                     `json:"maxPlayers"`
	ForfeitAfter time.Duration           `json:"-"`
	Status       Status                  `json:"status"`
	CurrentRound int                     `json:"currentRound"`
	Participants map[string]*Participant `json:"participants"`
	Pairings     []*Pairing              `json:"pairings"`
	Standings    []Standing              `json:"standings,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	StartedAt    time.Time               `json:"startedAt,omitempty"`
	CompletedAt  time.Time               `json:"completedAt,omitempty"`
}

func (t *Tournament) activeCount() int {
	n := 0
	for _, p := range t.Participants {
		if !p.IsWithdrawn {
			n++
		}
	}
	return n
}

func (t *Tournament) roundPairings(round int) []*Pairing {
	var out []*Pairing
	for _, p := range t.Pairings {
		if p.Round == round {
			out = append(out, p)
		}
	}
	return out
}

// clone returns a deep copy safe to hand outside the tournament lock.
func (t *Tournament) clone() *Tournament {
	c := *t
	c.Participants = make(map[string]*Participant, len(t.Participants))
	for id, p := range t.Participants {
		cp := *p
		cp.History = append([]HistoryEntry(nil), p.History...)
		c.Participants[id] = &cp
	}
	c.Pairings = make([]*Pairing, len(t.Pairings))
	for i, p := range t.Pairings {
		cp := *p
		cp.ForfeitedBy = append([]string(nil), p.ForfeitedBy...)
		c.Pairings[i] = &cp
	}
	c.Standings = append([]Standing(nil), t.Standings...)
	return &c
}
