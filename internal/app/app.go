package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"

	"dealpilot/apps/backend/features/contract"
	"dealpilot/apps/backend/features/deadletter"
	"dealpilot/apps/backend/features/deliverable"
	"dealpilot/apps/backend/features/intake"
	"dealpilot/apps/backend/features/negotiation"
	"dealpilot/apps/backend/features/payment"
	"dealpilot/apps/backend/features/signature"
	"dealpilot/apps/backend/features/stats"
	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/adapter/gemini"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/middleware"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/scanner"
	"dealpilot/apps/backend/internal/settings"
	"dealpilot/apps/backend/internal/worker"
)

// Publisher is the NSQ publish surface the app hands to webhook handlers and
// stage processors. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler     http.Handler
	FlowService *workflow.Service

	cfg       *config.Config
	runner    *pipeline.Runner
	scanner   *scanner.Scanner
	consumers map[string]nsq.Handler
	active    []*nsq.Consumer
}

// New composes the full pipeline: durable queue, stage registry, runner,
// scanners, intake consumers, and the HTTP surface. Nothing is started here;
// Run owns the lifecycle.
func New(cfg *config.Config, db *sql.DB, bus Publisher) (*App, error) {
	store := queue.NewStore(db, queue.StoreConfig{
		BackoffBase:        time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCap:         time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		VisibilityTimeout:  time.Duration(cfg.VisibilityTimeoutS) * time.Second,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
	}, bus, config.TopicOpsAlert)

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	seedGeminiKey(cfg, settingsService)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Workflow
	// The registry is populated below; the service only needs the lookup.
	reg := pipeline.NewRegistry()
	flowRepo := workflow.NewPostgresRepo(db)
	flowService := workflow.NewService(flowRepo, store, reg.KnownQueue)
	flowHandler := workflow.NewHandler(flowService)

	model := gemini.NewDynamicClient(settingsService)
	modelTimeout := time.Duration(cfg.ModelTimeoutSeconds) * time.Second

	if err := registerStages(reg, flowService, settingsService, model, bus, modelTimeout); err != nil {
		return nil, fmt.Errorf("compose pipeline: %w", err)
	}

	runner := pipeline.NewRunner(store, reg, flowService, pipeline.RunnerConfig{
		WorkersPerQueue: cfg.WorkersPerQueue,
		PollInterval:    time.Duration(cfg.DequeuePollMS) * time.Millisecond,
	})

	scn := scanner.New(flowRepo, store, settingsService, store)

	// Feature: Dead letters
	dlRepo := deadletter.NewPostgresRepo(db)
	dlService := deadletter.NewService(dlRepo, store)
	dlHandler := deadletter.NewHandler(dlService)

	// Feature: Stats
	statsHandler := stats.NewHandler(flowRepo, store, dlRepo, reg.Queues())

	// Feature: Intake (webhooks in, NSQ consumers out)
	intakeHandler := intake.NewHandler(bus)
	consumers := map[string]nsq.Handler{
		config.TopicEmailInbound:   worker.NewEmailConsumer(flowService, store),
		config.TopicSignatureEvent: worker.NewSignatureConsumer(store),
	}

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.Handle("POST /webhooks/email", middleware.CorrelationID(enableCORS(intakeHandler.Email)))
	mux.Handle("POST /webhooks/signature", middleware.CorrelationID(enableCORS(intakeHandler.Signature)))

	mux.Handle("POST /entities", middleware.CorrelationID(enableCORS(flowHandler.Create)))
	mux.Handle("GET /entities", middleware.CorrelationID(enableCORS(flowHandler.List)))
	mux.Handle("GET /entities/{id}", middleware.CorrelationID(enableCORS(flowHandler.Get)))
	mux.Handle("POST /entities/{id}/trigger", middleware.CorrelationID(enableCORS(flowHandler.Trigger)))
	mux.Handle("POST /entities/{id}/transition", middleware.CorrelationID(enableCORS(flowHandler.Override)))

	mux.Handle("GET /deadletters", middleware.CorrelationID(enableCORS(dlHandler.List)))
	mux.Handle("POST /deadletters/{id}/retry", middleware.CorrelationID(enableCORS(dlHandler.Retry)))
	mux.Handle("DELETE /deadletters/{id}", middleware.CorrelationID(enableCORS(dlHandler.Delete)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:     mux,
		FlowService: flowService,
		cfg:         cfg,
		runner:      runner,
		scanner:     scn,
		consumers:   consumers,
	}, nil
}

// registerStages builds the static pipeline graph. Every successor a stage can
// emit is declared here; the runner rejects anything else at run time and
// Validate rejects dangling successors at startup.
func registerStages(
	reg *pipeline.Registry,
	flow *workflow.Service,
	policy *settings.Service,
	model *gemini.DynamicClient,
	bus Publisher,
	modelTimeout time.Duration,
) error {
	stages := []pipeline.Stage{
		{
			Name:      "negotiation-extract",
			Queue:     config.QueueNegotiationExtract,
			Processor: negotiation.NewExtractProcessor(flow, model, modelTimeout),
			Next:      []string{config.QueueNegotiationPolicyCheck},
		},
		{
			Name:      "negotiation-policycheck",
			Queue:     config.QueueNegotiationPolicyCheck,
			Processor: negotiation.NewPolicyCheckProcessor(flow, policy),
			Next:      []string{config.QueueNegotiationCounterOffer},
		},
		{
			Name:      "negotiation-counteroffer",
			Queue:     config.QueueNegotiationCounterOffer,
			Processor: negotiation.NewCounterOfferProcessor(flow, policy, model, bus, modelTimeout),
			Next:      []string{config.QueueNegotiationSend, config.QueueContractFinalise},
		},
		{
			Name:      "negotiation-send",
			Queue:     config.QueueNegotiationSend,
			Processor: negotiation.NewSendProcessor(flow, bus),
			Next:      []string{config.QueueNegotiationDealUpdate},
		},
		{
			Name:      "negotiation-dealupdate",
			Queue:     config.QueueNegotiationDealUpdate,
			Processor: negotiation.NewDealUpdateProcessor(flow),
			Next:      []string{config.QueueNegotiationDecision},
		},
		{
			Name:      "negotiation-decision",
			Queue:     config.QueueNegotiationDecision,
			Processor: negotiation.NewDecisionProcessor(flow),
		},
		{
			Name:      "negotiation-silence",
			Queue:     config.QueueNegotiationSilence,
			Processor: negotiation.NewSilenceProcessor(flow, policy),
			Next:      []string{config.QueueNegotiationCounterOffer},
		},
		{
			Name:      "negotiation-closing",
			Queue:     config.QueueNegotiationClosing,
			Processor: negotiation.NewClosingProcessor(flow),
		},
		{
			Name:      "contract-review",
			Queue:     config.QueueContractReview,
			Processor: contract.NewReviewProcessor(flow, model, bus, modelTimeout),
			Next:      []string{config.QueueContractFinalise},
		},
		{
			Name:      "contract-finalise",
			Queue:     config.QueueContractFinalise,
			Processor: contract.NewFinaliseProcessor(flow, policy, bus),
		},
		{
			Name:      "signature-process",
			Queue:     config.QueueSignatureProcess,
			Processor: signature.NewProcessor(flow, bus),
		},
		{
			Name:      "deliverable-review",
			Queue:     config.QueueDeliverableReview,
			Processor: deliverable.NewProcessor(flow, model, policy, bus, modelTimeout),
		},
		{
			Name:      "payment-chase",
			Queue:     config.QueuePaymentChase,
			Processor: payment.NewChaseProcessor(flow, policy, bus, bus),
		},
	}

	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return reg.Validate()
}

// seedGeminiKey copies the environment key into settings when none is stored
// yet, so a fresh deployment works without a manual settings write.
func seedGeminiKey(cfg *config.Config, svc *settings.Service) {
	if cfg.GeminiAPIKey == "" {
		return
	}
	ctx := context.Background()
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.GeminiAPIKey != "" {
		return
	}
	set.GeminiAPIKey = cfg.GeminiAPIKey
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
		return
	}
	slog.Info("seeded gemini api key from environment")
}

// Run starts the worker pools, scanners, intake consumers, and the HTTP
// server, then blocks until ctx is cancelled and everything has drained.
func (a *App) Run(ctx context.Context) error {
	startupTimeout := time.Duration(a.cfg.StartupInitTimeoutSeconds) * time.Second
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	// Long-lived components bind to the run context, not the startup
	// deadline; the deadline only bounds how long startup itself may take.
	runCtx := ctx
	err := runStartup(ctx, startupTimeout, []InitTask{
		{Name: "pipeline-runner", Fn: func(context.Context) error {
			return a.runner.Start(runCtx)
		}},
		{Name: "scanners", Fn: func(context.Context) error {
			return a.scanner.Start(runCtx, a.cfg)
		}},
		{Name: "intake-consumers", Fn: func(context.Context) error {
			consumers, err := worker.Connect(a.cfg.NSQLookupd, a.consumers)
			a.active = consumers
			return err
		}},
	})
	if err != nil {
		a.stopConsumers()
		a.scanner.Stop()
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		a.stopConsumers()
		a.scanner.Stop()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	a.runner.Wait()
	return nil
}

func (a *App) stopConsumers() {
	for _, c := range a.active {
		c.Stop()
	}
	for _, c := range a.active {
		<-c.StopChan
	}
	a.active = nil
}
