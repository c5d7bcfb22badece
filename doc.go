// Package pumped provides a dependency injection runtime for tree-shaped component models.
//
// # Overview
//
// Pumped organizes code around four core concepts:
//
//  1. Services: typed factories producing the capabilities nodes share
//  2. Declarations: node types carrying an ordered list of provider entries
//  3. Scopes: runtimes owning the tree, the instances and their lifecycle
//  4. Mounted nodes: declarations placed on the tree at a stable identity
//
// # Basic Usage
//
// Declare services, then declarations that provide or consume them:
//
//	config := pumped.NewService("config", func(ctx *pumped.InstantiateCtx) (*Config, error) {
//	    return &Config{Port: 8080}, nil
//	})
//
//	app := pumped.Declare("App",
//	    pumped.WithEntries(pumped.Local("config", config, nil)),
//	    pumped.WithRender(func(attrs pumped.Attributes) []pumped.Element {
//	        return []pumped.Element{server.New("", nil)}
//	    }),
//	)
//
//	server := pumped.Declare("Server", pumped.WithEntries(
//	    pumped.Upstream("port", func(inj pumped.Injector, attrs pumped.Attributes) (pumped.Attributes, error) {
//	        cfg, err := pumped.Use(inj, config)
//	        if err != nil || cfg == nil {
//	            return nil, err
//	        }
//	        return pumped.Attributes{"port": cfg.Port}, nil
//	    }),
//	))
//
//	scope := pumped.NewScope()
//	defer scope.Dispose()
//	root, err := scope.Mount(app.New("", nil))
//
// # Provider Entries
//
// Entries run left to right and accumulate output attributes, seeded with the node's
// registration id under "id":
//
//	pumped.Local(id, svc, fn)   // create svc for this node and its descendants
//	pumped.Upstream(id, fn)     // inject what ancestors provide
//	pumped.Derive(id, fn)       // pure attribute derivation
//
// A Local entry's instance is created the first time its Capability is asked for a
// value, or after the entry returns. Configure before that shapes instantiation;
// afterwards it reaches values implementing Reconfigurer.
//
// # Identity
//
// Registration ids are UUIDv5 values derived from the parent's id, the declaration,
// the user key and a salt. Re-rendering the same structure yields the same ids and
// therefore the same instances. Siblings sharing a declaration without a key are
// told apart by salts: the first is canonical, the rest get the smallest free integer.
//
// # Lifecycle
//
// Instances are owned by the scope's InstanceRegistry. Unmounting a node starts a
// grace period (Config.PostUnmountTTL); remounting at the same position within it
// keeps the instances. Cleanups registered with OnCleanup run last first; failures go
// to extensions or the log and never abort disposal.
//
// # Off-tree Mounts
//
// A node can be mounted without its ancestors:
//
//	node, err := scope.Mount(server.New("", nil), pumped.WithPortableRoot(app.New("", nil)))
//
// The scope renders the root invisibly with stubbed services to find where the target
// sits, then synthesizes the ancestors it needs as ghost nodes. Discovery escalates
// through four strategies:
//
//	StrategyStub            probe the target with stubs to learn what it injects
//	StrategyIsolatedCheck   build the nearest providers and the target in isolation
//	StrategyAll             build every recorded ancestor
//	StrategyPublic          build the target against the live registry, or fail
//
// A target with every ancestor reconstructed gets the id it would have on the tree and
// sees the same dependency values.
//
// # Extensions
//
// Extensions wrap operations and observe instances, warnings and strategies:
//
//	type TimingExtension struct {
//	    pumped.BaseExtension
//	}
//
//	func (e *TimingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
//	    start := time.Now()
//	    result, err := next()
//	    log.Printf("%s %s took %v", op.Kind, op.Node, time.Since(start))
//	    return result, err
//	}
//
//	scope := pumped.NewScope(pumped.WithExtension(&TimingExtension{
//	    BaseExtension: pumped.NewBaseExtension("timing"),
//	}))
//
// The extensions package ships logging, tracing and tree debugging extensions.
//
// # Configuration
//
// Scopes take a Config directly or load one with LoadConfig from yaml, toml or json,
// with PUMPED_TREE_* environment variables taking precedence.
package pumped
