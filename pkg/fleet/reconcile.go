package fleet

import (
	"context"
	"runtime/debug"

	"github.com/cyclopcam/logs"

	"socks-fleet/pkg/engine"
	"socks-fleet/pkg/metrics"
	"socks-fleet/pkg/model"
	"socks-fleet/pkg/store"
)

// Reconciler recomputes the fleet gauges from runtime and catalog state.
// It is best-effort: failures are logged and never reach the caller.
type Reconciler struct {
	engine     engine.Engine
	catalog    store.CatalogStore
	gauges     *metrics.Gauges
	namePrefix string
	log        logs.Log
}

func NewReconciler(e engine.Engine, catalog store.CatalogStore, gauges *metrics.Gauges, namePrefix string, log logs.Log) *Reconciler {
	return &Reconciler{
		engine:     e,
		catalog:    catalog,
		gauges:     gauges,
		namePrefix: namePrefix,
		log:        log,
	}
}

// Reconcile refreshes the active-proxy and available-node gauges.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if r == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("reconcile panic: %v\n%s", p, debug.Stack())
		}
	}()
	r.reconcileActive(ctx)
	r.reconcileAvailable(ctx)
}

func (r *Reconciler) reconcileActive(ctx context.Context) {
	if !engine.IsAvailable(r.engine) {
		return
	}
	containers, err := r.engine.List(ctx, r.namePrefix)
	if err != nil {
		// leave the previous values rather than report a drained fleet
		r.log.Warnf("error updating active proxies gauge: %v", err)
		return
	}
	counts := make(map[model.GeoCategory]int)
	for _, c := range containers {
		meta, err := model.DecodeInstanceMeta(c.Labels)
		if err != nil {
			r.log.Debugf("reconcile skipping container %s: %v", c.Name, err)
			continue
		}
		counts[meta.GeoCategory]++
	}
	r.gauges.SetActive(counts)
}

func (r *Reconciler) reconcileAvailable(ctx context.Context) {
	counts, err := r.catalog.CountByCategory(ctx)
	if err != nil {
		r.log.Warnf("error updating available nodes gauge: %v", err)
		return
	}
	r.gauges.SetAvailable(counts)
}
