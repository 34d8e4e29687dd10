package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/cheese-chess-server/internal/chessws"
	"github.com/park285/cheese-chess-server/internal/collab"
	"github.com/park285/cheese-chess-server/internal/realtime"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

func main() {
	baseURL := os.Getenv("CHESS_BASE_URL")
	wsURL := os.Getenv("CHESS_WS_URL")
	playerID := os.Getenv("CHECK_PLAYER_ID")
	secret := os.Getenv("JWT_SECRET")
	timeControl := os.Getenv("CHECK_TIME_CONTROL")

	if baseURL == "" {
		log.Fatal("CHESS_BASE_URL is required")
	}
	if playerID == "" {
		playerID = "chesscheck"
	}
	if timeControl == "" {
		timeControl = "3+2"
	}

	client := collab.NewClient(baseURL, collab.WithTimeout(8*time.Second), collab.WithRetry(1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var health struct {
		Status      string `json:"status"`
		ActiveGames int    `json:"activeGames"`
	}
	if err := client.GetJSON(ctx, "/healthz", &health); err != nil {
		log.Printf("/healthz error: %v", err)
	} else {
		log.Printf("/healthz ok: status=%s activeGames=%d", health.Status, health.ActiveGames)
	}
	var queues map[string]int
	if err := client.GetJSON(ctx, "/api/matchmaking/queues", &queues); err != nil {
		log.Printf("/api/matchmaking/queues error: %v", err)
	} else {
		log.Printf("queues: %v", queues)
	}

	if wsURL == "" {
		log.Println("CHESS_WS_URL not set; skipping WS check")
		return
	}

	opts := []chessws.Option{chessws.WithReconnect(3, time.Second)}
	if secret != "" {
		token, err := realtime.IssueToken(secret, playerID, 10*time.Minute)
		if err != nil {
			log.Fatalf("token: %v", err)
		}
		opts = append(opts, chessws.WithBearerToken(token))
	} else {
		opts = append(opts, chessws.WithHeaderProvider(func() map[string]string {
			return map[string]string{"X-User-Id": playerID}
		}))
	}
	ws := chessws.New(wsURL, opts...)
	ws.OnStateChange(func(state chessws.State) {
		log.Printf("WS state: %s", state)
	})
	ws.OnMessage(func(env chessdto.Envelope) {
		fmt.Printf("WS msg type=%s request=%s payload=%s\n", env.Type, env.RequestID, env.Payload)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	if err := ws.Send(cctx, chessdto.TypeEnqueue, "check-enqueue", chessdto.EnqueueRequest{TimeControl: timeControl}); err != nil {
		log.Printf("WS enqueue error: %v", err)
	}

	// Observe for a short window, then leave the queue.
	t := time.NewTimer(10 * time.Second)
	<-t.C
	_ = ws.Send(context.Background(), chessdto.TypeLeaveMatchmaking, "", nil)
	_ = ws.Close(context.Background())
}
