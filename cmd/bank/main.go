package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lnbank/internal/config"
	"lnbank/internal/db"
	"lnbank/internal/dealer"
	"lnbank/internal/engine"
	"lnbank/internal/handlers"
	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/money"
	"lnbank/internal/observability"
	"lnbank/internal/policy"
	"lnbank/internal/resilience"
	"lnbank/internal/services"
	"lnbank/internal/store"
	"lnbank/internal/transport"
	"lnbank/internal/validator"
	"lnbank/internal/websocket"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("bank stopped", zap.Error(err))
	}
	logger.Info("bank stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()

	pool := db.DefaultPool()
	pool.MaxOpen = cfg.DBMaxOpenConns
	pool.MaxIdle = cfg.DBMaxIdleConns
	database, err := db.Connect(cfg.DatabaseURL, pool)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	accounts := store.NewAccountStore(database)
	legs := store.NewLedgerStore(database)
	summaries := store.NewTransactionStore(database)
	users := store.NewUserStore(database)
	invoices := store.NewInvoiceStore(database)
	onchain := store.NewOnchainStore(database)
	audit := store.NewAuditStore(database)

	book := ledger.New(db.NewTxRunner(database), accounts, legs, summaries, users)
	if err := book.Bootstrap(ctx, money.Supported()); err != nil {
		return fmt.Errorf("bootstrap ledger: %w", err)
	}

	lnd, err := lightning.DialLND(lightning.LNDConfig{
		Host:         cfg.LNDHost,
		TLSCertPath:  cfg.LNDTLSCertPath,
		MacaroonPath: cfg.LNDMacaroonPath,
	})
	if err != nil {
		return err
	}
	defer lnd.Close()
	node := lightning.NewResilient(lnd,
		resilience.NewBreaker("lnd", 30*time.Second, metrics.BreakerChanged),
		cfg.LNMaxConcurrentPayments,
		resilience.Policy{Attempts: cfg.LNRetryAttempts, InitialBackoff: cfg.LNRetryBackoff, MaxBackoff: 5 * time.Second},
		logger.Named("lnd"),
	)
	info, err := node.GetInfo(ctx)
	if err != nil {
		logger.Warn("lightning node unreachable at startup", zap.Error(err))
	} else {
		logger.Info("lightning node connected",
			zap.String("pubkey", info.Pubkey),
			zap.String("alias", info.Alias),
			zap.String("network", info.Network),
			zap.Bool("synced", info.Synced),
		)
	}

	bus := newBus(cfg, logger)
	defer bus.Close()

	var rdb *redis.Client
	if cfg.RateLimitBackend == "redis" || cfg.DedupeBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}
	var limiter policy.RateLimiter = policy.NewMemoryBuckets(cfg.RateLimits)
	if cfg.RateLimitBackend == "redis" {
		limiter = policy.NewRedisBuckets(rdb, cfg.RateLimits, "lnbank:ratelimit")
	}
	var dedupe transport.Deduper = transport.NewMemoryDeduper(cfg.DedupeTTL, cfg.DedupeLease)
	if cfg.DedupeBackend == "redis" {
		dedupe = transport.NewRedisDeduper(rdb, cfg.DedupeTTL, cfg.DedupeLease)
	}

	quotes := dealer.NewClient(bus, cfg.QuoteTimeout, cfg.QuoteCommitMargin, logger.Named("dealer"), metrics)
	hub := websocket.NewHub()
	processor := services.NewProcessor(services.Deps{
		Ledger:    book,
		Quotes:    quotes,
		Reserve:   policy.NewReserve(cfg.ReserveRatio, book, invoices, node),
		Limiter:   limiter,
		Node:      node,
		Invoices:  invoices,
		Summaries: summaries,
		Legs:      legs,
		Onchain:   onchain,
		Audit:     audit,
		Lnurls:    store.NewLnurlStore(database),
		Hub:       hub,
		Notifier:  bus,
		Observer:  metrics,
		Logger:    logger.Named("processor"),
	}, services.PolicyFromConfig(&cfg))
	invoiceService := services.NewInvoiceService(processor, logger.Named("invoices"))

	bank := engine.New(engine.Deps{
		Bus:       bus,
		Processor: processor,
		Invoices:  invoiceService,
		Quotes:    quotes,
		Ledger:    book,
		Subscribe: func(h lightning.InvoiceHandler) engine.Runner {
			return lightning.NewSubscriber(node, h, invoices.ResumeIndex, logger.Named("subscriber"))
		},
		Validator: validator.New(params),
		Dedupe:    dedupe,
		Metrics:   metrics,
		Logger:    logger.Named("engine"),
	}, engine.Config{
		MaxInflight:       cfg.MaxInflight,
		ReconcileInterval: cfg.ReconcileInterval,
		BankStateInterval: cfg.BankStateInterval,
		ExpiryInterval:    time.Minute,
		RetryDelay:        cfg.RetryDelay,
	})

	handler := handlers.New(cfg, handlers.Deps{
		Ledger:       book,
		Users:        users,
		Payments:     processor,
		Invoices:     invoices,
		Transactions: summaries,
		Audit:        audit,
		Hub:          hub,
		Metrics:      metrics.Handler(),
		Logger:       logger.Named("http"),
	})
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bank.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("operator API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newBus(cfg config.Config, logger *zap.Logger) transport.Bus {
	if cfg.Transport == "memory" {
		logger.Warn("using in-process transport; messages are lost on restart")
		return transport.NewMemoryBus(1024)
	}
	topics := make(map[transport.Channel]string, len(cfg.KafkaTopics))
	for ch, topic := range cfg.KafkaTopics {
		topics[transport.Channel(ch)] = topic
	}
	return transport.NewKafkaBus(transport.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID,
		Topics:  topics,
	}, logger.Named("kafka"))
}
