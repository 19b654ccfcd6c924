package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/aggregator"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/config"
	"github.com/iliyamo/paylink/internal/database"
	"github.com/iliyamo/paylink/internal/gateway"
	"github.com/iliyamo/paylink/internal/handler"
	"github.com/iliyamo/paylink/internal/jobs"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/metrics"
	"github.com/iliyamo/paylink/internal/orchestrator"
	"github.com/iliyamo/paylink/internal/queue"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/repository"
	"github.com/iliyamo/paylink/internal/router"
	"github.com/iliyamo/paylink/internal/service"
	"github.com/iliyamo/paylink/internal/token"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()
	store := kv.NewRedisStore(rdb)

	m := metrics.New()

	publisher, err := queue.NewPublisher(cfg.RabbitMQURL, m)
	if err != nil {
		log.Fatal().Err(err).Msg("connect rabbitmq")
	}
	defer publisher.Close()

	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayLogin, cfg.GatewayPassword, cfg.GatewayTimeout, m)
	transit := aggregator.NewClient(cfg.AggregatorURL, cfg.AggregatorSecret, cfg.AggregatorTimeout)

	tokens := token.NewService(store, cfg.TokenTTL)
	limiter := ratelimit.New(store, cfg.LimiterCoolDown, m)

	cardLink := challenge.NewEngine(store, challenge.Config{
		Kind:      challenge.CardLink,
		TTL:       cfg.OTPTTL,
		MaxTries:  cfg.OTPMaxTries,
		Generate:  challenge.NumericCode(6),
		Deliverer: publisher.SMS(),
		Message:   func(code string) string { return "Card linking code: " + code },
	}, m)
	emailCodes := challenge.NewEngine(store, challenge.Config{
		Kind:      challenge.MerchantEmail,
		TTL:       cfg.EmailCodeTTL,
		MaxTries:  cfg.OTPMaxTries,
		Generate:  challenge.NumericCode(6),
		Deliverer: publisher.Email("Confirm your e-mail"),
		Message:   func(code string) string { return "Your e-mail confirmation code is " + code },
	}, m)
	qrTickets := challenge.NewEngine(store, challenge.Config{
		Kind:     challenge.QRLogin,
		TTL:      cfg.QRTTL,
		MaxTries: cfg.OTPMaxTries,
		Generate: challenge.KeyToken(16),
	}, m)

	customers := repository.NewCustomerRepo(db)
	merchants := repository.NewMerchantRepo(db)
	cards := repository.NewCardRepo(db)
	txs := repository.NewTransactionRepo(db)

	flows := orchestrator.NewFlows(orchestrator.New(gw, m), cards, merchants, txs, transit, publisher)

	authSvc := service.NewAuthService(customers, merchants, tokens, limiter, cfg.BcryptCost)
	cardSvc := service.NewCardService(cards, gw, transit, cardLink, limiter)
	merchantSvc := service.NewMerchantService(merchants, emailCodes, limiter)
	paymentSvc := service.NewPaymentService(flows, cards, transit, txs)
	qrSvc := service.NewQRLoginService(qrTickets, tokens, store, limiter)

	e := router.New(router.Handlers{
		Auth:     handler.NewAuthHandler(authSvc),
		Cards:    handler.NewCardHandler(cardSvc),
		Payments: handler.NewPaymentHandler(paymentSvc),
		Merchant: handler.NewMerchantHandler(merchantSvc),
		QR:       handler.NewQRHandler(qrSvc, cfg.QRTTL),
	}, router.Options{
		Redis:     rdb,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Metrics:   m,
		Tokens:    tokens,
		Ready: map[string]handler.Pinger{
			"database": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	scheduler := jobs.NewScheduler()
	if err := scheduler.AddLedgerSweep(cfg.LedgerSweepSpec, limiter, cfg.LedgerRetention); err != nil {
		log.Fatal().Err(err).Msg("schedule ledger sweep")
	}
	scheduler.Start()

	go func() {
		if err := queue.StartTransactionConsumer(ctx, cfg.RabbitMQURL, cfg.TransactionLogDir); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("transaction consumer stopped")
		}
	}()

	addr := ":" + cfg.Port
	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-sctx.Done():
		log.Warn().Msg("ledger sweep still running at exit")
	}
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
