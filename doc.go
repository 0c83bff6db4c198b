// Package cascore is a transactional, cache-coherent data-access core.
//
// Writes go through a Coordinator: a Scope buffers repository writes, commits
// them atomically against a store.Engine and then publishes one ChangeEvent
// per mutated entity on a Bus. Two independent consumers follow the bus:
//
//   - Cache[V]: read-through/write-through entity cache with per-key
//     single-flight loads. Every entry carries the key generation, tag
//     generations and entity version it was loaded under; a racing
//     invalidation retires the write-back instead of letting it land.
//   - Projector: denormalized read model applied in per-entity version
//     order, buffering gaps and re-deriving from the store when a gap
//     outlives its timeout.
//
// Typical wiring:
//
//	bus := cascore.NewBus(cascore.BusOptions{Logger: log})
//	coord, _ := cascore.NewCoordinator(cascore.CoordinatorOptions{Engine: db, Bus: bus})
//	cache, _ := cascore.NewCache[cascore.Entity[Project]](cascore.CacheOptions[cascore.Entity[Project]]{
//	    Namespace: "projects", Provider: prov, Codec: codec.JSON[cascore.Entity[Project]]{},
//	})
//	_, _ = cache.Attach(bus, cascore.Pattern{Type: "project"})
//	proj, _ := cascore.NewProjector(cascore.ProjectorOptions{Source: cascore.EngineSource(db)})
//	_, _ = proj.Attach(bus, cascore.Pattern{})
//
//	err := coord.Within(ctx, func(ctx context.Context, s *cascore.Scope) error {
//	    projects := cascore.Bind(s, "acme", "project", codec.JSON[Project]{})
//	    _, err := projects.Create(ctx, "p1", Project{Name: "Acme"}, []string{"org:1"})
//	    return err
//	})
//
// Keys used on the cache provider:
//
//	e:<ns>:<tenant>/<type>/<id>  - entity entries
//	t:<ns>:<tag>                 - tag generation counters (GenStore)
package cascore
