package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/api"
	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/park285/cheese-chess-server/internal/challenge"
	"github.com/park285/cheese-chess-server/internal/collab"
	appcfg "github.com/park285/cheese-chess-server/internal/config"
	"github.com/park285/cheese-chess-server/internal/jobs"
	"github.com/park285/cheese-chess-server/internal/matchmaking"
	"github.com/park285/cheese-chess-server/internal/monitor"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/pgdb"
	"github.com/park285/cheese-chess-server/internal/rating"
	"github.com/park285/cheese-chess-server/internal/realtime"
	"github.com/park285/cheese-chess-server/internal/redisx"
	"github.com/park285/cheese-chess-server/internal/session"
	"github.com/park285/cheese-chess-server/internal/tournament"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	if err := run(cfg); err != nil {
		obslog.L().Error("server_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func run(cfg *appcfg.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := obslog.L()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return err
	}
	mon := monitor.NewMonitor(cfg.MetricsNamespace)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if rdb, err = redisx.NewRedis(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer rdb.Close()
	}
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		if db, err = pgdb.Open(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		defer db.Close()
	}

	ratingStore := rating.NewMemoryStore()
	if db != nil {
		if err := rating.EnsureSchema(ctx, db); err != nil {
			return err
		}
		ratingStore = rating.NewPostgresStore(db)
	}
	if rdb != nil {
		ratingStore = rating.NewCachedStore(ratingStore, rdb, time.Hour)
	}
	ratings := rating.NewService(ratingStore)

	bc := realtime.NewBroadcaster()
	deps := session.Deps{
		Publisher:       bc,
		Ratings:         ratings,
		Metrics:         mon,
		TickInterval:    cfg.SessionTick,
		ReconnectWindow: cfg.ReconnectWindow,
	}
	if db != nil {
		repo := session.NewRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.Games = repo
	}
	var snapshots *session.RedisSnapshots
	if rdb != nil {
		snapshots = session.NewRedisSnapshots(rdb, cfg.SnapshotBuffer)
		deps.Snapshots = snapshots
	}
	if cfg.ArchiveBucket != "" {
		arch, err := archive.NewS3(ctx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			return err
		}
		deps.Archive = arch
	}
	var publisher *collab.Publisher
	if cfg.CollabBaseURL != "" {
		publisher = collab.NewPublisher(collab.NewClient(cfg.CollabBaseURL, collab.WithBearerToken(cfg.CollabToken)))
		deps.Results = publisher
	}
	reg := session.NewRegistry(deps)

	tourOpts := []tournament.Option{
		tournament.WithMetrics(mon),
		tournament.WithForfeitAfter(cfg.TournamentForfeitAfter()),
	}
	if cfg.DatabaseURL != "" {
		gdb, err := tournament.OpenGorm(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store, err := tournament.NewGormStore(gdb)
		if err != nil {
			return err
		}
		tourOpts = append(tourOpts, tournament.WithStore(store))
	}
	if publisher != nil {
		tourOpts = append(tourOpts, tournament.WithStandingsPublisher(publisher))
	}
	tours := tournament.NewService(reg, ratings, tourOpts...)
	if err := tours.Restore(ctx); err != nil {
		return err
	}
	reg.SetTournamentReporter(tours)

	mm := matchmaking.NewService(cfg.Matchmaking(), ratings, reg,
		matchmaking.WithNotifier(bc),
		matchmaking.WithMetrics(mon),
	)
	challenges := challenge.NewManager(reg)

	auth := realtime.NewAuthenticator(cfg.JWTSecret, cfg.TrustGatewayHeaders)
	hub := realtime.NewHub(bc, auth, realtime.HubDeps{
		Games:      reg,
		Queue:      mm,
		Challenges: challenges,
		Activity:   tours,
		Metrics:    mon,
		Catalog:    catalog,
	})

	sched, err := jobs.Start(jobs.Config{
		MatchInterval:     cfg.MMSweepInterval,
		ForfeitInterval:   cfg.ForfeitSweepInterval,
		ChallengeInterval: cfg.ChallengeSweepInterval,
	}, jobs.Deps{
		Matchmaking: mm,
		Tournaments: tours,
		Challenges:  challenges,
		OnExpired:   hub.ChallengeExpired,
	})
	if err != nil {
		return err
	}

	apiDeps := api.Deps{
		Tournaments: tours,
		Games:       reg,
		Ratings:     ratings,
		Queues:      mm,
		Identity:    auth,
		Catalog:     catalog,
		Metrics:     mon.Handler(),
	}
	if snapshots != nil {
		apiDeps.Finished = snapshots
		apiDeps.Index = snapshots
	}
	rest := api.New(apiDeps)
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		errCh <- rest.Listen(cfg.HTTPAddr)
	}()
	go func() {
		logger.Info("ws_listen", zap.String("addr", cfg.WSAddr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	case runErr = <-errCh:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sched.Shutdown(); err != nil {
		logger.Warn("jobs_shutdown", zap.Error(err))
	}
	hub.Close()
	if err := wsServer.Shutdown(shutCtx); err != nil {
		logger.Warn("ws_shutdown", zap.Error(err))
	}
	if err := rest.Shutdown(shutCtx); err != nil {
		logger.Warn("http_shutdown", zap.Error(err))
	}
	reg.Close()
	if snapshots != nil {
		snapshots.Close()
	}
	tours.Close()
	logger.Info("shutdown_complete")
	return runErr
}
