package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moltbank/teller-service/internal/chain"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/logger"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/provision"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/moltbank/teller-service/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.QueueEntry{}, &model.Account{}, &model.TransactionRecord{},
		&model.ReferralPayout{}, &model.LeaderboardEntry{},
		&model.AgentHealth{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	queueSvc := service.NewQueueService(repository, cfg, log)
	referralSvc := service.NewReferralService(repository, cfg, log)
	healthSvc := service.NewHealthService(repository, cfg.Teller.AgentName, log)

	source := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.USDCContract, cfg.Chain.USDCDecimals)
	backend := provision.NewClient(cfg.Provision.BaseURL, cfg.Provision.APIKey,
		time.Duration(cfg.Provision.TimeoutSeconds)*time.Second)

	ingestor := service.NewIngestor(source, queueSvc, cfg, log)
	worker := service.NewWorker(queueSvc, repository, backend, referralSvc, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSvc.Report(ctx, model.HealthOnline, "")
	log.Infof("teller online, poll interval %ds, cooldown %ds",
		cfg.Teller.PollIntervalSeconds, cfg.Teller.CooldownSeconds)

	go relayLoop(ctx, repository, log)
	go statsLoop(ctx, queueSvc, cfg, log)

	tellerLoop(ctx, ingestor, worker, healthSvc, cfg, log)

	// offline heartbeat is the last observable action before exit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	healthSvc.Report(shutdownCtx, model.HealthOffline, "")
	log.Info("teller shut down")
}

// tellerLoop runs the ingestion tick and the worker tick on one cadence,
// reporting health after each cycle.
func tellerLoop(ctx context.Context, ingestor *service.Ingestor, worker *service.Worker,
	health *service.HealthService, cfg *config.Config, log *zap.SugaredLogger) {
	interval := time.Duration(cfg.Teller.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var loopErr error
		if _, err := ingestor.Poll(ctx); err != nil {
			log.Errorf("teller: ingest: %v", err)
			loopErr = err
		}
		if err := worker.Tick(ctx); err != nil {
			log.Errorf("teller: worker: %v", err)
			loopErr = err
		}
		if loopErr != nil {
			health.Report(ctx, model.HealthError, loopErr.Error())
		} else {
			health.Report(ctx, model.HealthOnline, "")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// relayLoop drains the transactional outbox to Kafka.
func relayLoop(ctx context.Context, repository repo.RepositoryInterface, log *zap.SugaredLogger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := repository.PollOutbox(ctx, 100)
		if err != nil {
			log.Errorf("relay: poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := repository.PublishEvent(ctx, evt); err != nil {
				log.Errorf("relay: publish id=%d: %v", evt.ID, err)
				continue
			}
			if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("relay: mark processed id=%d: %v", evt.ID, err)
			}
		}
	}
}

// statsLoop periodically logs queue depth.
func statsLoop(ctx context.Context, queue *service.QueueService, cfg *config.Config, log *zap.SugaredLogger) {
	interval := time.Duration(cfg.Teller.StatsIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := queue.Stats(ctx)
		if err != nil {
			log.Errorf("stats: %v", err)
			continue
		}
		log.Infof("stats: queue %d pending | %d completed", stats.Pending, stats.Completed)
	}
}
