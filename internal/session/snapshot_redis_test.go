package session

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

func TestRedisSnapshotsIndexAndFinish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	snaps := NewRedisSnapshots(rdb, 8)
	snaps.Save(chessdto.GameState{GameID: "g1", WhiteID: "w", BlackID: "b", Status: "Active", FEN: "start"})
	snaps.Save(chessdto.GameState{GameID: "g1", WhiteID: "w", BlackID: "b", Status: "Active", FEN: "after-e4"})
	snaps.Finish(chessdto.GameState{GameID: "g2", WhiteID: "w", BlackID: "x", Status: "Completed", Result: "0-1"})
	snaps.Close()

	st, err := snaps.Load(ctx, "g1")
	if err != nil || st == nil {
		t.Fatalf("Load g1 = %v, %v", st, err)
	}
	if st.FEN != "after-e4" {
		t.Fatalf("FEN = %q, want last write", st.FEN)
	}
	games, err := snaps.GamesOf(ctx, "w")
	if err != nil {
		t.Fatalf("GamesOf: %v", err)
	}
	if len(games) != 1 || games[0] != "g1" {
		t.Fatalf("index = %v", games)
	}

	done, err := snaps.Load(ctx, "g2")
	if err != nil || done == nil || done.Result != "0-1" {
		t.Fatalf("Load g2 = %+v, %v", done, err)
	}
	if ttl := mr.TTL(snapshotKey("g2")); ttl != finishedTTL {
		t.Fatalf("finished ttl = %v", ttl)
	}

	missing, err := snaps.Load(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("Load missing = %+v, %v", missing, err)
	}
}
