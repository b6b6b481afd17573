package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boltcard-server/config"
	"boltcard-server/internal/api"
	"boltcard-server/internal/card"
	"boltcard-server/internal/database"
	"boltcard-server/internal/lightning"
	"boltcard-server/internal/withdraw"
	"boltcard-server/pkg/cache"
	"boltcard-server/pkg/logger"
	streams "boltcard-server/pkg/queue"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfgPath := config.Path(os.Getenv("BOLTCARD_CONFIG"))
	if cfgPath == "" {
		cfgPath = "config/api.toml"
	}

	var cfg config.ApiConfig
	if err := config.Load(cfgPath, &cfg); err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", cfgPath.ToString()), zap.Error(err))
	}
	if cfg.Server.Domain == "" {
		logger.Fatal("server.domain must be configured")
	}

	db, err := database.NewDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DB:              cfg.Database.DB,
		SslMode:         cfg.Database.SslMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	if err := cache.Init(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	network, err := networkParams(cfg.Lightning.Network)
	if err != nil {
		logger.Fatal("Invalid lightning network", zap.String("network", cfg.Lightning.Network), zap.Error(err))
	}

	backend, err := newBackend(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize lightning backend", zap.Error(err))
	}

	cardRepo := database.NewCardRepository(db)
	paymentRepo := database.NewPaymentRepository(db)
	eventQueue := streams.NewStreamQueue(cache.Client)

	withdrawSvc := withdraw.NewService(
		cardRepo, paymentRepo, backend, eventQueue, network, cfg.Server.Domain,
	)
	cardSvc := card.NewService(cardRepo, cfg.Server.Domain, card.Defaults{
		TxLimitSats:  cfg.Limits.DefaultTxLimitSats,
		DayLimitSats: cfg.Limits.DefaultDayLimitSats,
	})

	handler := api.NewHandler(withdrawSvc, cardSvc, db, backend)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Callbacks wait on the Lightning payment, which can take a while.
		WriteTimeout: time.Duration(cfg.Lightning.PaymentTimeoutSeconds+30) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server starting",
			zap.String("addr", addr),
			zap.String("domain", cfg.Server.Domain),
			zap.String("backend", cfg.Lightning.Backend),
			zap.String("network", cfg.Lightning.Network),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// newBackend builds the configured payment backend.
func newBackend(cfg config.ApiConfig) (lightning.Backend, error) {
	switch cfg.Lightning.Backend {
	case "mock":
		logger.Warn("Using mock lightning backend; payments settle in-process")
		return lightning.NewMock(), nil
	case "lnd":
		return lightning.NewLNDBackend(lightning.Config{
			GRPCHost:              cfg.Lightning.GRPCHost,
			GRPCPort:              cfg.Lightning.GRPCPort,
			TLSCertPath:           cfg.Lightning.TLSCertPath,
			MacaroonPath:          cfg.Lightning.MacaroonPath,
			PaymentTimeoutSeconds: cfg.Lightning.PaymentTimeoutSeconds,
			MaxPaymentFeeSats:     cfg.Lightning.MaxPaymentFeeSats,
		})
	default:
		return nil, errors.New("lightning.backend must be \"lnd\" or \"mock\"")
	}
}

// networkParams maps the configured network name onto chain params for
// BOLT-11 decoding.
func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.New("unknown network name")
	}
}
