// The reconcile worker watches for withdrawal sessions that hold an
// invoice but never settled. These are the residue of a crash or
// disconnect between paying the node and recording the settlement; the
// worker flags them for manual review and keeps an audit log of
// settlement events. It never re-pays anything.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boltcard-server/config"
	"boltcard-server/internal/database"
	messages "boltcard-server/internal/queue"
	"boltcard-server/pkg/cache"
	"boltcard-server/pkg/logger"
	streams "boltcard-server/pkg/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// consumerGroup is the settlement-feed consumer group this worker joins.
const consumerGroup = "reconcile"

// flagTTL suppresses re-flagging the same stuck session on every scan.
const flagTTL = 24 * time.Hour

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfgPath := config.Path(os.Getenv("BOLTCARD_CONFIG"))
	if cfgPath == "" {
		cfgPath = "config/worker.toml"
	}

	var cfg config.WorkerConfig
	if err := config.Load(cfgPath, &cfg); err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", cfgPath.ToString()), zap.Error(err))
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

	if err := cache.Init(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	queue := streams.NewStreamQueue(cache.Client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.DeclareStream(ctx, messages.StreamSettlements, consumerGroup); err != nil {
		logger.Fatal("Failed to declare settlements stream", zap.Error(err))
	}

	// Settlement audit log: every settled withdrawal passes through here
	// once, regardless of which API instance handled it.
	consumer := consumerGroup + "-" + uuid.NewString()
	go func() {
		err := queue.Consume(ctx, messages.StreamSettlements, consumerGroup, consumer,
			func(messageID string, data []byte) error {
				msg, err := messages.FromJSONSettlement(data)
				if err != nil {
					logger.Error("Dropping malformed settlement event",
						zap.String("messageID", messageID), zap.Error(err))
					return nil
				}
				logger.Info("Settlement",
					zap.Int64("payment_id", msg.PaymentID),
					zap.Int64("card_id", msg.CardID),
					zap.Int64("amount_msats", msg.AmountMsats),
					zap.String("payment_hash", msg.PaymentHash),
				)
				return nil
			})
		if err != nil {
			logger.Error("Settlement consumer stopped", zap.Error(err))
		}
	}()

	interval := time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second
	cutoff := time.Duration(cfg.Reconcile.CutoffSeconds) * time.Second
	paymentRepo := database.NewPaymentRepository(db)

	logger.Info("Reconcile worker starting",
		zap.Duration("interval", interval),
		zap.Duration("cutoff", cutoff),
		zap.String("consumer", consumer),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		scan(ctx, paymentRepo, queue, cutoff)

		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-ticker.C:
		}
	}
}

// scan finds sessions stuck in Invoiced and flags each one once per
// flagTTL on the stuck-sessions stream.
func scan(ctx context.Context, repo *database.PaymentRepository, queue *streams.StreamQueue, cutoff time.Duration) {
	stuck, err := repo.FindStuckInvoiced(ctx, cutoff)
	if err != nil {
		logger.Error("Failed to scan for stuck sessions", zap.Error(err))
		return
	}
	if len(stuck) == 0 {
		return
	}

	logger.Warn("Found stuck sessions", zap.Int("count", len(stuck)))

	for _, p := range stuck {
		flagKey := "stuck_flagged:" + p.Token
		fresh, err := cache.SetNX(ctx, flagKey, "1", flagTTL)
		if err != nil {
			logger.Error("Failed to check stuck flag", zap.Int64("payment_id", p.PaymentID), zap.Error(err))
			continue
		}
		if !fresh {
			continue
		}

		msg := messages.StuckSessionMessage{
			PaymentID:  p.PaymentID,
			CardID:     p.CardID,
			Invoice:    *p.Invoice,
			AgeSeconds: int64(time.Since(p.CreatedAt).Seconds()),
		}
		msgJSON, err := msg.ToJSON()
		if err != nil {
			logger.Error("Failed to serialize StuckSessionMessage",
				zap.Int64("payment_id", p.PaymentID), zap.Error(err))
			continue
		}

		if _, err := queue.Publish(ctx, messages.StreamStuckSessions, msgJSON); err != nil {
			logger.Error("Failed to publish StuckSessionMessage",
				zap.Int64("payment_id", p.PaymentID), zap.Error(err))
			continue
		}

		logger.Warn("Flagged stuck session",
			zap.Int64("payment_id", p.PaymentID),
			zap.Int64("card_id", p.CardID),
			zap.Int64("age_seconds", msg.AgeSeconds),
		)
	}
}
