package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zwy923/mailsift/config"
	contracts "github.com/zwy923/mailsift/contracts/mq"
	"github.com/zwy923/mailsift/internal/mqhandler"
	"github.com/zwy923/mailsift/internal/pipeline"
	"github.com/zwy923/mailsift/internal/repository"
	"github.com/zwy923/mailsift/internal/runner"
	"github.com/zwy923/mailsift/internal/service"
	"github.com/zwy923/mailsift/internal/syncer"
	"github.com/zwy923/mailsift/pkg/crypto"
	"github.com/zwy923/mailsift/pkg/db"
	"github.com/zwy923/mailsift/pkg/logger"
	"github.com/zwy923/mailsift/pkg/mq"
	"github.com/zwy923/mailsift/pkg/outbox"
	"github.com/zwy923/mailsift/pkg/redis"
	"github.com/zwy923/mailsift/pkg/util"
)

// outboxRulesPublisher routes the rules.apply handoff through the outbox so
// a broker outage cannot lose a finished record.
type outboxRulesPublisher struct {
	repo *outbox.Repository
}

func (p outboxRulesPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	var aggregateID int64
	if rp, ok := payload.(contracts.RulesApplyPayload); ok {
		aggregateID = rp.MessageID
	}
	return p.repo.Insert(ctx, "message", aggregateID, routingKey, payload)
}

func main() {
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting mailsift worker...")

	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	deduper := util.NewDeduperWithLogger(rdb, time.Hour, log)

	dbConn, err := db.NewConnection(context.Background(), cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("DB ready")

	// repositories
	accountRepo := repository.NewAccountRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn)
	folderRepo := repository.NewFolderStateRepository(dbConn)
	resultRepo := repository.NewResultRepository(dbConn)
	tagRepo := repository.NewTagRepository(dbConn)
	senderRepo := repository.NewSenderProfileRepository(dbConn)
	runRepo := repository.NewRunRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	// model service clients
	embedderClient := service.NewEmbedderClient(cfg.Services.Embedder)
	translatorClient := service.NewTranslatorClient(cfg.Services.Translator)
	classifierClient := service.NewClassifierClient(cfg.Services.Classifier)
	anonymizerClient := service.NewAnonymizerClient(cfg.Services.Anonymizer)

	tagCache := pipeline.NewTagVectorCache(rdb, log)

	accountSyncer := syncer.NewIMAPSyncer(messageRepo, folderRepo, embedderClient, cfg.Sync, log)

	processorFactory := func(box *crypto.Box) runner.AccountProcessor {
		stages := []pipeline.Stage{
			pipeline.NewEmbeddingStage(embedderClient, messageRepo, box, cfg.Pipeline),
			pipeline.NewLanguageStage(translatorClient, messageRepo, box, cfg.Pipeline),
			pipeline.NewClassifyStage(classifierClient, anonymizerClient, resultRepo, senderRepo, messageRepo, box, cfg.Pipeline),
			pipeline.NewTagStage(tagRepo, tagCache, resultRepo, outboxRulesPublisher{repo: outboxRepo}, cfg.Pipeline),
		}
		return pipeline.NewDriver(stages, messageRepo, cfg.Pipeline, log)
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	supervisor := runner.NewSupervisor(
		accountRepo, runRepo, accountSyncer, processorFactory, publisher,
		cfg.Crypto.Key, cfg.Retry, cfg.Pipeline.RunTimeout(), log,
	)

	// outbox dispatcher
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, 2*time.Second, 100, cfg.Retry.MaxAttempts, log)
	go dispatcher.Run(dispatcherCtx)

	// sync run consumer
	retryCounter := util.NewRetryCounter(rdb, time.Hour)
	syncRunHandler := mqhandler.NewSyncRunHandler(supervisor, deduper, retryCounter, log)
	log.Info("Init consumer: sync_run_q")
	syncRunConsumer, err := mq.NewConsumer(cfg.MQ.URL, "sync_run_q", contracts.RoutingSyncRunRequested, log)
	if err != nil {
		log.Fatal("Sync run consumer init failed", zap.Error(err))
	}
	syncRunConsumer.SetHandler(syncRunHandler.Handle)
	go func() {
		if err := syncRunConsumer.StartConsuming(); err != nil {
			log.Fatal("Sync run consumer crashed", zap.Error(err))
		}
	}()
	defer syncRunConsumer.Close()

	// rules applied consumer
	rulesHandler := mqhandler.NewRulesAppliedHandler(messageRepo, log)
	log.Info("Init consumer: rules_applied_q")
	rulesConsumer, err := mq.NewConsumer(cfg.MQ.URL, "rules_applied_q", contracts.RoutingRulesApplied, log)
	if err != nil {
		log.Fatal("Rules applied consumer init failed", zap.Error(err))
	}
	rulesConsumer.SetHandler(rulesHandler.Handle)
	go func() {
		if err := rulesConsumer.StartConsuming(); err != nil {
			log.Fatal("Rules applied consumer crashed", zap.Error(err))
		}
	}()
	defer rulesConsumer.Close()

	// metrics and health endpoints
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := ":" + cfg.Server.Port
	log.Info("Worker running", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal("HTTP server crashed", zap.Error(err))
	}
}
