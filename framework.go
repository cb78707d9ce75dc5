// Package framework is the root-level meta-module: a thin re-export of
// the runtime's component packages so a caller that only needs the
// common path can do `import framework "github.com/quorumai/mesh"`
// instead of importing core, graph, pool, cache, executor, router,
// reputation, consensus, and orchestrator individually. Each submodule
// stays independently importable for callers who only need one piece,
// the same layering the teacher's own module comment describes.
package framework

import (
	"github.com/quorumai/mesh/cache"
	"github.com/quorumai/mesh/consensus"
	"github.com/quorumai/mesh/core"
	"github.com/quorumai/mesh/executor"
	"github.com/quorumai/mesh/graph"
	"github.com/quorumai/mesh/orchestrator"
	"github.com/quorumai/mesh/pool"
	"github.com/quorumai/mesh/reputation"
	"github.com/quorumai/mesh/router"
)

// Re-exported configuration and core primitives.
type (
	Config = core.Config
	Option = core.Option
	Logger = core.Logger
	Bus    = core.Bus
	Event  = core.Event
)

var (
	NewConfig = core.NewConfig
	NewBus    = core.NewBus
)

// Re-exported component types, one per spec component (C1-C9).
type (
	ConnectionPool      = pool.Pool
	Cache               = cache.Cache
	DependencyGraph     = graph.Graph
	BatchExecutor       = executor.BatchExecutor
	Operation           = executor.Operation
	Router              = router.Router
	ReputationRegistry  = reputation.Registry
	ConsensusCore       = consensus.Core
	Orchestrator        = orchestrator.Orchestrator
)

var (
	NewPool          = pool.New
	NewCache         = cache.New
	NewDependencyGraph = graph.New
	NewBatchExecutor = executor.New
	NewRouter        = router.New
	NewReputation    = reputation.New
	NewConsensus     = consensus.New
	NewOrchestrator  = orchestrator.New
)

// Re-exported request/response and option types for the Orchestrator,
// since these are what most callers construct directly.
type (
	Request              = orchestrator.Request
	Response             = orchestrator.Response
	OrchestratorOptions  = orchestrator.Options
	Planner              = orchestrator.Planner
)
