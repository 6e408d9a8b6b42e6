package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"scanflow/internal/api"
	"scanflow/internal/clients"
	"scanflow/internal/config"
	"scanflow/internal/domain"
	"scanflow/internal/listener"
	"scanflow/internal/queue"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
)

func main() {
	cfg := config.Default()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path")
	flag.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for the mutation stream")
	flag.StringVar(&cfg.MutationQueue, "mutation-queue", cfg.MutationQueue, "mutation stream queue name")
	flag.IntVar(&cfg.PrefetchCount, "prefetch", cfg.PrefetchCount, "concurrent mutation handlers")
	flag.StringVar(&cfg.KatalogusURL, "katalogus", cfg.KatalogusURL, "katalogus base URL")
	flag.StringVar(&cfg.OctopoesURL, "octopoes", cfg.OctopoesURL, "octopoes base URL")
	flag.StringVar(&cfg.BytesURL, "bytes", cfg.BytesURL, "bytes base URL")
	flag.DurationVar(&cfg.OctopoesTimeout, "octopoes-timeout", cfg.OctopoesTimeout, "octopoes read timeout")
	flag.IntVar(&cfg.QueueMaxSize, "pq-maxsize", cfg.QueueMaxSize, "priority queue capacity")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "default grace period between repeat runs")
	flag.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "poll interval for the timer-driven loops")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "submission pool size per batch")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable pprof endpoints")
	batched := flag.Bool("batched-pop", false, "group popped tasks by boefje and organisation")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	if n, err := st.RecoverStalled(context.Background(), domain.SchedulerBoefje, cfg.GracePeriod); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("failed stalled dispatched/running tasks")
	}

	var strategy queue.SelectionStrategy = queue.RankOrder{}
	if *batched {
		strategy = queue.BatchByScanner{}
	}
	pq := queue.New(domain.SchedulerBoefje, cfg.QueueMaxSize, st, strategy)

	katalogus := clients.NewKatalogus(cfg.KatalogusURL)
	octopoes := clients.NewOctopoes(cfg.OctopoesURL, cfg.OctopoesTimeout)
	bytesClient := clients.NewBytes(cfg.BytesURL)

	sched := scheduler.New(cfg, pq, st, katalogus, octopoes, bytesClient)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Run(ctx)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	mutations := listener.NewScanProfileMutations(rdb, cfg.MutationQueue, cfg.PrefetchCount, sched.ProcessMutation)
	go func() {
		if err := mutations.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("mutation listener")
		}
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(st, pq, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
