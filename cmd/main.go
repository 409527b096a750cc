package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lilleprinsen-dotcom/Returportal/internal/bonus"
	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/catalog"
	"github.com/lilleprinsen-dotcom/Returportal/internal/config"
	"github.com/lilleprinsen-dotcom/Returportal/internal/db"
	"github.com/lilleprinsen-dotcom/Returportal/internal/kafka"
	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
	"github.com/lilleprinsen-dotcom/Returportal/internal/labels"
	"github.com/lilleprinsen-dotcom/Returportal/internal/logger"
	"github.com/lilleprinsen-dotcom/Returportal/internal/mailer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/ratelimit"
	"github.com/lilleprinsen-dotcom/Returportal/internal/repository/postgresql"
	"github.com/lilleprinsen-dotcom/Returportal/internal/returns"
	"github.com/lilleprinsen-dotcom/Returportal/internal/server"
	"github.com/lilleprinsen-dotcom/Returportal/internal/token"
	"github.com/lilleprinsen-dotcom/Returportal/internal/wizard"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	zl := logger.New(cfg.App.Env)
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := db.NewDb(ctx)
	if err != nil {
		zl.Fatal("database init failed", zap.Error(err))
	}

	var store kv.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zl.Fatal("redis init failed", zap.Error(err))
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
	} else {
		zl.Warn("no redis configured, using process-local cache")
		store = kv.NewMemoryStore()
	}

	signer := token.NewSigner(cfg.App.Secret)

	carrier, err := cargonizer.NewClient(cargonizer.Config{
		APIKey:          cfg.Carrier.APIKey,
		SenderID:        cfg.Carrier.SenderID,
		EndpointBase:    cfg.Carrier.EndpointBase,
		AllowedHosts:    cfg.Carrier.AllowedHosts,
		BlockExternal:   cfg.Carrier.BlockExternal,
		AccessibleHosts: cfg.Carrier.AccessibleHosts,
	}, zl)
	if err != nil {
		zl.Fatal("carrier client init failed", zap.Error(err))
	}

	agreementCache := catalog.New(carrier, store,
		cfg.Carrier.SenderID, cfg.App.BaseURL, cfg.Returns.AllowedProducts, zl)

	labelBase := cfg.Label.PublicBaseURL
	if labelBase == "" {
		labelBase = strings.TrimRight(cfg.App.BaseURL, "/") + "/labels"
	}
	labelStore, err := labels.NewStore(cfg.Label.Dir, labelBase, zl)
	if err != nil {
		zl.Fatal("label store init failed", zap.Error(err))
	}

	builder := returns.NewBuilder(carrier, agreementCache, labelStore, returns.Options{
		Store: returns.StoreAddress{
			Name:     cfg.Store.Name,
			Email:    cfg.Store.Email,
			Address1: cfg.Store.Address1,
			Address2: cfg.Store.Address2,
			Postcode: cfg.Store.Postcode,
			City:     cfg.Store.City,
			Country:  cfg.Store.Country,
		},
		SwapParties:     cfg.Carrier.SwapParties,
		EmailLabel:      cfg.Carrier.EmailLabel,
		NotifyConsignee: cfg.Carrier.NotifyConsignee,
		AutoTransfer:    cfg.Carrier.AutoTransfer,
		DefaultServices: cfg.Returns.DefaultServices,
	}, zl)

	bonusValidity := time.Duration(cfg.Bonus.Hours) * time.Hour
	bonusEngine, err := bonus.NewEngine(signer, store, cfg.Bonus.Enabled, bonusValidity, cfg.App.BaseURL, zl)
	if err != nil {
		zl.Fatal("bonus engine init failed", zap.Error(err))
	}

	var mail mailer.Mailer
	if cfg.SMTP.Host != "" {
		mail = mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.User,
			Password: cfg.SMTP.Pass,
			From:     cfg.SMTP.From,
		}, zl)
	} else {
		mail = mailer.NewNoop(zl)
	}

	orderRepo := postgresql.NewOrderRepo(database)
	metaRepo := postgresql.NewReturnMetaRepo(database)
	logRepo := postgresql.NewReturnLogRepo(database)
	outboxRepo := postgresql.NewOutboxTaskRepo()
	userRepo := postgresql.NewUserRepo(database)

	wizardLimiter := ratelimit.New(store, "wizard", cfg.RateLimit.WizardAttempts, cfg.RateLimit.WizardWindow)
	regenLimiter := ratelimit.New(store, "regen", cfg.RateLimit.RegenAttempts, cfg.RateLimit.RegenWindow)

	wiz := wizard.New(
		orderRepo, metaRepo, logRepo, outboxRepo, database,
		wizard.NewStateStore(store),
		wizardLimiter, regenLimiter,
		builder, bonusEngine, agreementCache, mail, signer,
		wizard.Config{
			WindowDays:      cfg.Returns.WindowDays,
			AllowedStatuses: cfg.Returns.AllowedStatuses,
			LabelValidDays:  cfg.Label.ValidDays,
			FeeSmall:        cfg.Returns.FeeSmall,
			FeeLarge:        cfg.Returns.FeeLarge,
			SupportEmail:    cfg.Store.SupportEmail,
			StoreName:       cfg.Store.Name,
			OutboxTopic:     cfg.Kafka.Topic,
		},
		zl,
	)

	var producer kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer = kafka.NewWriterProducer(cfg.Kafka.Brokers, zl)
	} else {
		zl.Warn("no kafka brokers configured, events go to the log sink")
		producer = kafka.NewLogProducer(zl)
	}
	publisher := kafka.NewPublisher(database, outboxRepo, producer, kafka.PublisherConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
	}, zl)

	srv := server.New(wiz, bonusEngine, labelStore, carrier,
		metaRepo, logRepo, orderRepo, userRepo, bonusValidity, zl)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx, cfg.App.ListenAddr)
	})

	g.Go(func() error {
		publisher.Run(gctx)
		return nil
	})

	// the catalog is warmed on boot and refreshed every half TTL so
	// customers never pay for a cold live call
	g.Go(func() error {
		if err := agreementCache.Warm(gctx); err != nil {
			zl.Warn("initial catalog warm failed", zap.Error(err))
		}
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := agreementCache.Warm(gctx); err != nil {
					zl.Warn("catalog warm failed", zap.Error(err))
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		retention := time.Duration(cfg.Label.RetentionDays) * 24 * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := labelStore.Sweep(retention)
				if err != nil {
					zl.Warn("label sweep failed", zap.Error(err))
				} else if removed > 0 {
					zl.Info("label sweep completed", zap.Int("removed", removed))
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		zl.Fatal("portal exited with error", zap.Error(err))
	}
	zl.Info("portal stopped")
}
