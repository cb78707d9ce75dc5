// Command meshd runs the orchestration runtime as a standalone HTTP
// service: it wires the connection pool, cache, router, batch executor,
// reputation registry, consensus core, and orchestrator together behind
// /v1/process (plus /v1/agents/{id} and /healthz), the same assemble-then-serve shape
// examples/orchestrator/main.go uses for pkg/orchestration's
// StandardOrchestrator, generalized from one fixed routing.Router to this
// runtime's full C1-C9 component set. No chi or gin router is pulled in
// here; the surface is small enough that net/http's ServeMux is enough.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quorumai/mesh/cache"
	"github.com/quorumai/mesh/consensus"
	"github.com/quorumai/mesh/core"
	"github.com/quorumai/mesh/executor"
	"github.com/quorumai/mesh/orchestrator"
	"github.com/quorumai/mesh/pool"
	"github.com/quorumai/mesh/reputation"
	"github.com/quorumai/mesh/resilience"
	"github.com/quorumai/mesh/router"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	totalAgents := flag.Int("total-agents", 4, "number of agents participating in consensus")
	flag.Parse()

	opts := []core.Option{}
	if *configPath != "" {
		opts = append(opts, core.WithConfigFile(*configPath))
	}

	cfg, err := core.NewConfig(opts...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.Logger()
	bus := core.NewBus(512)

	pools := make(map[string]*pool.Pool, len(cfg.Pool.TierLimits))
	for tier, limit := range cfg.Pool.TierLimits {
		pools[tier] = pool.New(tier, limit, cfg.Pool, logger, bus,
			func(ctx context.Context) (interface{}, error) {
				return &http.Client{Timeout: 30 * time.Second}, nil
			},
			func(conn interface{}) error { return nil },
		)
	}
	defer func() {
		for _, p := range pools {
			p.Shutdown()
		}
	}()
	for tier, p := range pools {
		if err := p.Initialize(context.Background()); err != nil {
			log.Fatalf("pool %s: %v", tier, err)
		}
	}

	respCache := cache.New(cfg.Cache, nil, bus)
	defer respCache.Close()

	exec := executor.New(&executor.Options{
		MaxWorkers:     cfg.Executor.MaxWorkers,
		MaxConcurrency: cfg.Executor.MaxConcurrency,
		SpawnDeadline:  cfg.Executor.SpawnTimeout,
		Logger:         logger,
		Bus:            bus,
	})
	defer exec.Close()

	rtr := router.New(cfg.Router, logger, bus)
	defer rtr.Close()

	reputationRegistry := reputation.New(cfg.Reputation, logger, bus)

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.Name = "orchestrator"
	breakerCfg.Logger = logger
	breaker, err := resilience.NewCircuitBreaker(breakerCfg)
	if err != nil {
		log.Fatalf("circuit breaker: %v", err)
	}

	consensusCore := consensus.New(cfg.Consensus, reputationRegistry, *totalAgents, logger, bus)

	orch := orchestrator.New(orchestrator.Options{
		Router:     rtr,
		Executor:   exec,
		Planner:    echoPlanner,
		Cache:      respCache,
		Consensus:  consensusCore,
		Reputation: reputationRegistry,
		Breaker:    breaker,
		Models:     defaultCatalog(),
		Logger:     logger,
		Bus:        bus,
		CacheTTL:   cfg.Cache.DefaultTTL,
	})

	unsubscribe := bus.Subscribe(func(ev core.Event) {
		logger.Debug("event", map[string]interface{}{"type": ev.Type})
	})
	defer unsubscribe()

	mux := http.NewServeMux()
	registerHandlers(mux, orch, reputationRegistry)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", map[string]interface{}{"error": err.Error()})
	}
}

// echoPlanner is a placeholder decomposition: one generic operation per
// request that reports which model was routed to. Real deployments supply
// their own orchestrator.Planner that turns a task into the calls an
// actual model backend understands.
func echoPlanner(req orchestrator.Request, decision router.Decision) []executor.Operation {
	return []executor.Operation{
		{
			ID:   req.ID + "-op1",
			Type: executor.OpGeneric,
			Fn: func(ctx context.Context) (interface{}, error) {
				return map[string]string{"model": decision.Model, "task": req.Task}, nil
			},
		},
	}
}

// defaultCatalog is the built-in model roster meshd always hands the
// orchestrator; there is no flag or config field to load another catalog.
func defaultCatalog() []*router.Model {
	return []*router.Model{
		{Name: "gpt-4o-mini", Tier: "free", Available: true, Capabilities: []string{"chat", "code"}, LatencyMs: 400, CostPerToken: 0.00015, SuccessRate: 0.98},
		{Name: "gpt-4o", Tier: "pro", Available: true, Capabilities: []string{"chat", "code", "reasoning"}, LatencyMs: 900, CostPerToken: 0.005, SuccessRate: 0.99},
		{Name: "claude-opus", Tier: "enterprise", Available: true, Capabilities: []string{"chat", "code", "reasoning", "vision"}, LatencyMs: 1400, CostPerToken: 0.015, SuccessRate: 0.995},
	}
}

func registerHandlers(mux *http.ServeMux, orch *orchestrator.Orchestrator, reg *reputation.Registry) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/process", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req orchestrator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = core.NewID()
		}

		resp, err := orch.Process(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrAcquireTimeout) || errors.Is(err, core.ErrPoolShuttingDown) || errors.Is(err, core.ErrBackpressure) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/v1/agents/", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Path[len("/v1/agents/"):]
		record := reg.Get(agentID)
		if record == nil {
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(record)
	})
}
