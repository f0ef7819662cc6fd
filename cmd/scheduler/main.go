package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/model"
	"github.com/zwy923/mailsift/internal/repository"
	"github.com/zwy923/mailsift/pkg/db"
	"github.com/zwy923/mailsift/pkg/logger"
	"github.com/zwy923/mailsift/pkg/mq"
	"github.com/zwy923/mailsift/pkg/outbox"
)

func main() {
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting mailsift scheduler...")

	dbConn, err := db.NewConnection(context.Background(), cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()

	accountRepo := repository.NewAccountRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn)
	runRepo := repository.NewRunRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.Sync.SchedulerIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Retention runs far less often than scheduling.
	purgeTicker := time.NewTicker(6 * time.Hour)
	defer purgeTicker.Stop()

	go serveAdmin(cfg.Server.AdminPort, runRepo, log)

	log.Info("Scheduler running", zap.Duration("interval", interval))
	enqueueDueAccounts(ctx, accountRepo, runRepo, publisher, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler shutting down")
			return
		case <-ticker.C:
			enqueueDueAccounts(ctx, accountRepo, runRepo, publisher, log)
		case <-purgeTicker.C:
			purgeExpired(ctx, messageRepo, outboxRepo, cfg.Sync.RetentionDays, log)
		}
	}
}

// serveAdmin exposes liveness and the latest run status per account.
func serveAdmin(port string, runs *repository.RunRepository, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/runs/latest", func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
		if err != nil || accountID <= 0 {
			http.Error(w, "invalid account_id", http.StatusBadRequest)
			return
		}
		run, err := runs.LatestByAccount(r.Context(), accountID)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "no runs for account", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	})

	log.Info("Admin endpoint listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error("admin endpoint stopped", zap.Error(err))
	}
}

// enqueueDueAccounts queues one run per active account, skipping accounts
// whose previous run is still in flight.
func enqueueDueAccounts(
	ctx context.Context,
	accounts *repository.AccountRepository,
	runs *repository.RunRepository,
	publisher *mq.Publisher,
	log *zap.Logger,
) {
	active, err := accounts.ListActive(ctx)
	if err != nil {
		log.Error("list active accounts failed", zap.Error(err))
		return
	}

	for _, acct := range active {
		last, err := runs.LatestByAccount(ctx, acct.ID)
		if err != nil {
			log.Error("load latest run failed", zap.Int64("account_id", acct.ID), zap.Error(err))
			continue
		}
		if last != nil && (last.Status == model.RunQueued ||
			last.Status == model.RunRunning || last.Status == model.RunRetrying) {
			continue
		}

		payload := contracts.SyncRunPayload{
			RunID:     uuid.NewString(),
			AccountID: acct.ID,
			Attempt:   1,
			QueuedAt:  time.Now().UTC(),
		}
		if err := runs.Create(ctx, payload.RunID, acct.ID); err != nil {
			log.Error("create run failed", zap.Int64("account_id", acct.ID), zap.Error(err))
			continue
		}
		if err := publisher.Publish(contracts.RoutingSyncRunRequested, payload); err != nil {
			log.Error("enqueue run failed",
				zap.Int64("account_id", acct.ID),
				zap.String("run_id", payload.RunID),
				zap.Error(err))
			continue
		}
		log.Info("run enqueued",
			zap.Int64("account_id", acct.ID),
			zap.String("run_id", payload.RunID))
	}
}

// purgeExpired drops soft-deleted records past retention and old sent outbox
// events.
func purgeExpired(
	ctx context.Context,
	messages *repository.MessageRepository,
	events *outbox.Repository,
	retentionDays int,
	log *zap.Logger,
) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	purged, err := messages.PurgeInvalidated(ctx, cutoff)
	if err != nil {
		log.Error("retention purge failed", zap.Error(err))
	} else if purged > 0 {
		log.Info("retention purge", zap.Int64("records", purged))
	}

	dropped, err := events.PurgeSent(ctx, cutoff)
	if err != nil {
		log.Error("outbox purge failed", zap.Error(err))
	} else if dropped > 0 {
		log.Info("outbox purge", zap.Int64("events", dropped))
	}
}
