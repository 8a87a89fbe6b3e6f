package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"intelgraph/internal/accumulator"
	"intelgraph/internal/insight"
	"intelgraph/internal/oracle"
	"intelgraph/internal/pipeline"
	"intelgraph/internal/resolver"
	"intelgraph/internal/server"
	"intelgraph/internal/store"
	"intelgraph/internal/tracker"
	"intelgraph/pkg/config"
	"intelgraph/pkg/logger"
)

func main() {
	// Load configuration first so the logger knows the environment
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting intelligence graph server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	var st store.Store
	switch cfg.StoreBackend {
	case "neo4j":
		st, err = store.NewNeo4jStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			log.Fatal("Failed to connect to Neo4j", zap.Error(err))
		}
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close(context.Background())

	// Graph components
	res := resolver.NewResolver(st, resolver.Config{
		Threshold:     cfg.MatchThreshold,
		Epsilon:       cfg.MatchEpsilon,
		NameWeight:    cfg.NameWeight,
		KeywordWeight: cfg.KeywordWeight,
	})
	acc := accumulator.NewAccumulator(st, accumulator.Config{
		ProvenanceRetention: cfg.ProvenanceRetention,
		ConfidenceGain:      cfg.ConfidenceGain,
		ImportanceHalfLife:  cfg.ImportanceHalfLife,
		UserCreatedBonus:    cfg.UserCreatedBonus,
		OfficialBonus:       cfg.OfficialBonus,
		RiseThreshold:       cfg.MomentumImportance,
	})
	trk := tracker.NewTracker(st, tracker.Config{
		Base:       cfg.AffinityBase,
		Gain:       cfg.AffinityGain,
		HalfLife:   cfg.AffinityHalfLife,
		PruneFloor: cfg.AffinityPruneFloor,
		StaleAfter: cfg.AffinityStaleAfter,
	})
	gen := insight.NewGenerator(st, insight.Config{
		Floor:              cfg.InsightFloor,
		TTL:                cfg.InsightTTL,
		ScanEvery:          cfg.InsightScanEvery,
		MomentumImportance: cfg.MomentumImportance,
		MomentumWindow:     cfg.MomentumWindow,
	})

	// Graph deltas feed the insight generator
	acc.SetNotifier(gen.Notify)
	trk.SetNotifier(gen.Notify)

	extractor := oracle.NewOpenAIExtractor(cfg.OracleBaseURL, cfg.OracleAPIKey, cfg.OracleModel)

	pipe := pipeline.New(st, res, acc, trk, extractor, pipeline.Config{
		Workers:       cfg.PipelineWorkers,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		OracleTimeout: cfg.OracleTimeout,
		QueueCaps:     [4]int{cfg.QueueCapUser, cfg.QueueCapPrimary, cfg.QueueCapSecond, cfg.QueueCapBulk},
	})

	// Background loops
	go func() {
		if err := pipe.Run(ctx); err != nil {
			log.Error("Pipeline stopped", zap.Error(err))
		}
	}()
	go trk.Run(ctx, cfg.DecayInterval)
	go gen.Run(ctx)

	router := server.New(st, res, acc, trk, pipe).Router(cfg.IsProduction())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
