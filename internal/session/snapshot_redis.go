package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

const (
	snapshotTTL = 24 * time.Hour
	finishedTTL = time.Hour
)

type snapshotOp struct {
	state  chessdto.GameState
	finish bool
}

// RedisSnapshots writes game snapshots to Redis from one worker goroutine,
// so writes for a game land in the order they were queued.
type RedisSnapshots struct {
	rdb   *redis.Client
	queue chan snapshotOp
	wg    sync.WaitGroup
	once  sync.Once
}

func NewRedisSnapshots(rdb *redis.Client, buffer int) *RedisSnapshots {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &RedisSnapshots{rdb: rdb, queue: make(chan snapshotOp, buffer)}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Save queues a live snapshot. It drops the write when the queue is full;
// the next snapshot of the game supersedes it.
func (s *RedisSnapshots) Save(state chessdto.GameState) {
	select {
	case s.queue <- snapshotOp{state: state}:
	default:
		obslog.L().Warn("snapshot_queue_full", zap.String("game_id", state.GameID))
	}
}

// Finish queues the final snapshot and unindexes the players.
func (s *RedisSnapshots) Finish(state chessdto.GameState) {
	s.queue <- snapshotOp{state: state, finish: true}
}

func (s *RedisSnapshots) Load(ctx context.Context, gameID string) (*chessdto.GameState, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st chessdto.GameState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GamesOf lists the game IDs indexed for a player.
func (s *RedisSnapshots) GamesOf(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, userIndexKey(userID)).Result()
}

// Close drains queued writes and stops the worker.
func (s *RedisSnapshots) Close() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *RedisSnapshots) worker() {
	defer s.wg.Done()
	for op := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.write(ctx, op); err != nil {
			obslog.L().Warn("snapshot_write_error",
				zap.String("game_id", op.state.GameID),
				zap.Bool("final", op.finish),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (s *RedisSnapshots) write(ctx context.Context, op snapshotOp) error {
	raw, err := json.Marshal(op.state)
	if err != nil {
		return err
	}
	ttl := snapshotTTL
	if op.finish {
		ttl = finishedTTL
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey(op.state.GameID), raw, ttl)
	for _, uid := range []string{op.state.WhiteID, op.state.BlackID} {
		if strings.TrimSpace(uid) == "" {
			continue
		}
		if op.finish {
			pipe.SRem(ctx, userIndexKey(uid), op.state.GameID)
			continue
		}
		pipe.SAdd(ctx, userIndexKey(uid), op.state.GameID)
		pipe.Expire(ctx, userIndexKey(uid), snapshotTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func snapshotKey(id string) string      { return "game:snapshot:" + strings.TrimSpace(id) }
func userIndexKey(userID string) string { return "game:index:user:" + strings.TrimSpace(userID) }
