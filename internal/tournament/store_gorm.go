package tournament

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/park285/cheese-chess-server/internal/domain"
)

type TournamentRow struct {
	ID              string `gorm:"primaryKey"`
	Slug            string `gorm:"uniqueIndex"`
	Name            string `gorm:"not null"`
	TimeControl     string `gorm:"not null"`
	TotalRounds     int
	MaxPlayers      int
	ForfeitAfterSec int64
	Status          string `gorm:"index"`
	CurrentRound    int
	StandingsJSON   string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (TournamentRow) TableName() string { return "tournaments" }

type ParticipantRow struct {
	TournamentID        string `gorm:"primaryKey"`
	UserID              string `gorm:"primaryKey"`
	Rating              float64
	Score               float64
	Buchholz            float64
	HistoryJSON         string
	HasHadBye           bool
	IsWithdrawn         bool
	ConsecutiveForfeits int
	GamesPlayed         int
	LastActivityAt      time.Time
	RegisteredAt        time.Time
}

func (ParticipantRow) TableName() string { return "tournament_participants" }

type PairingRow struct {
	ID           string `gorm:"primaryKey"`
	TournamentID string `gorm:"index"`
	Round        int
	WhiteID      string
	BlackID      string
	GameID       string `gorm:"index"`
	Result       string
	IsForfeited  bool
	ForfeitedBy  string
	CreatedAt    time.Time
}

func (PairingRow) TableName() string { return "tournament_pairings" }

type gormStore struct {
	db *gorm.DB
}

// OpenGorm opens the Postgres connection used by the tournament tables.
func OpenGorm(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// NewGormStore migrates the tournament tables and returns a Store over them.
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&TournamentRow{}, &ParticipantRow{}, &PairingRow{}); err != nil {
		return nil, fmt.Errorf("migrate tournament tables: %w", err)
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) SaveTournament(ctx context.Context, t *Tournament) error {
	row, parts, pairs, err := toRows(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		if len(parts) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&parts).Error; err != nil {
				return err
			}
		}
		// withdrawn-before-start participants are removed from the roster
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.UserID)
		}
		del := tx.Where("tournament_id = ?", t.ID)
		if len(ids) > 0 {
			del = del.Where("user_id NOT IN ?", ids)
		}
		if err := del.Delete(&ParticipantRow{}).Error; err != nil {
			return err
		}
		if len(pairs) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pairs).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormStore) LoadTournaments(ctx context.Context) ([]*Tournament, error) {
	db := s.db.WithContext(ctx)
	var rows []TournamentRow
	if err := db.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Tournament, 0, len(rows))
	for _, row := range rows {
		var parts []ParticipantRow
		if err := db.Where("tournament_id = ?", row.ID).Find(&parts).Error; err != nil {
			return nil, err
		}
		var pairs []PairingRow
		if err := db.Where("tournament_id = ?", row.ID).Order("round ASC, created_at ASC").Find(&pairs).Error; err != nil {
			return nil, err
		}
		t, err := fromRows(row, parts, pairs)
		if err != nil {
			return nil, fmt.Errorf("tournament %s: %w", row.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func toRows(t *Tournament) (TournamentRow, []ParticipantRow, []PairingRow, error) {
	standings, err := json.Marshal(t.Standings)
	if err != nil {
		return TournamentRow{}, nil, nil, err
	}
	row := TournamentRow{
		ID:              t.ID,
		Slug:            t.Slug,
		Name:            t.Name,
		TimeControl:     t.TimeControl.String(),
		TotalRounds:     t.TotalRounds,
		MaxPlayers:      t.MaxPlayers,
		ForfeitAfterSec: int64(t.ForfeitAfter / time.Second),
		Status:          string(t.Status),
		CurrentRound:    t.CurrentRound,
		StandingsJSON:   string(standings),
		CreatedAt:       t.CreatedAt,
		StartedAt:       timePtr(t.StartedAt),
		CompletedAt:     timePtr(t.CompletedAt),
	}
	parts := make([]ParticipantRow, 0, len(t.Participants))
	for _, p := range t.Participants {
		hist, err := json.Marshal(p.History)
		if err != nil {
			return TournamentRow{}, nil, nil, err
		}
		parts = append(parts, ParticipantRow{
			TournamentID:        t.ID,
			UserID:              p.UserID,
			Rating:              p.Rating,
			Score:               p.Score,
			Buchholz:            p.Buchholz,
			HistoryJSON:         string(hist),
			HasHadBye:           p.HasHadBye,
			IsWithdrawn:         p.IsWithdrawn,
			ConsecutiveForfeits: p.ConsecutiveForfeits,
			GamesPlayed:         p.GamesPlayed,
			LastActivityAt:      p.LastActivityAt,
			RegisteredAt:        p.RegisteredAt,
		})
	}
	pairs := make([]PairingRow, 0, len(t.Pairings))
	for _, p := range t.Pairings {
		pairs = append(pairs, PairingRow{
			ID:           p.ID,
			TournamentID: t.ID,
			Round:        p.Round,
			WhiteID:      p.WhiteID,
			BlackID:      p.BlackID,
			GameID:       p.GameID,
			Result:       string(p.Result),
			IsForfeited:  p.IsForfeited,
			ForfeitedBy:  strings.Join(p.ForfeitedBy, ","),
			CreatedAt:    p.CreatedAt,
		})
	}
	return row, parts, pairs, nil
}

func fromRows(row TournamentRow, parts []ParticipantRow, pairs []PairingRow) (*Tournament, error) {
	tc, err := domain.ParseTimeControl(row.TimeControl)
	if err != nil {
		return nil, err
	}
	t := &Tournament{
		ID:           row.ID,
		Slug:         row.Slug,
		Name:         row.Name,
		TimeControl:  tc,
		TotalRounds:  row.TotalRounds,
		MaxPlayers:   row.MaxPlayers,
		ForfeitAfter: time.Duration(row.ForfeitAfterSec) * time.Second,
		Status:       Status(row.Status),
		CurrentRound: row.CurrentRound,
		Participants: make(map[string]*Participant, len(parts)),
		CreatedAt:    row.CreatedAt,
	}
	if row.StartedAt != nil {
		t.StartedAt = *row.StartedAt
	}
	if row.CompletedAt != nil {
		t.CompletedAt = *row.CompletedAt
	}
	if row.StandingsJSON != "" {
		if err := json.Unmarshal([]byte(row.StandingsJSON), &t.Standings); err != nil {
			return nil, err
		}
	}
	for _, pr := range parts {
		p := &Participant{
			UserID:              pr.UserID,
			Rating:              pr.Rating,
			Score:               pr.Score,
			Buchholz:            pr.Buchholz,
			HasHadBye:           pr.HasHadBye,
			IsWithdrawn:         pr.IsWithdrawn,
			ConsecutiveForfeits: pr.ConsecutiveForfeits,
			GamesPlayed:         pr.GamesPlayed,
			LastActivityAt:      pr.LastActivityAt,
			RegisteredAt:        pr.RegisteredAt,
		}
		if pr.HistoryJSON != "" {
			if err := json.Unmarshal([]byte(pr.HistoryJSON), &p.History); err != nil {
				return nil, err
			}
		}
		t.Participants[p.UserID] = p
	}
	for _, pr := range pairs {
		p := &Pairing{
			ID:          pr.ID,
			Round:       pr.Round,
			WhiteID:     pr.WhiteID,
			BlackID:     pr.BlackID,
			GameID:      pr.GameID,
			Result:      domain.Result(pr.Result),
			IsForfeited: pr.IsForfeited,
			CreatedAt:   pr.CreatedAt,
		}
		if pr.ForfeitedBy != "" {
			p.ForfeitedBy = strings.Split(pr.ForfeitedBy, ",")
		}
		t.Pairings = append(t.Pairings, p)
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
