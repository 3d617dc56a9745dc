// Package cache holds the in-process result cache sitting between the
// HTTP spin path and the sync transport: a spin is computed once, then
// cascade_sync_start re-reads it without a store round trip.
package cache

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/pkg/models"
)

// SpinCache caches finalized SpinResults by spinId. Entries are
// admission-filtered and evicted by ristretto; a miss is never an
// error, callers fall back to the store.
type SpinCache struct {
	c   *ristretto.Cache[string, *models.SpinResult]
	log logger.Logger
}

// NewSpinCache sizes the cache for a few thousand recent spins. Cost is
// the cascade step count so deep spins displace more shallow ones.
func NewSpinCache(log logger.Logger) (*SpinCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *models.SpinResult]{
		NumCounters: 1 << 16,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SpinCache{c: c, log: log.Component("cache")}, nil
}

// Put stores a finalized result. Unsealed results are not cached: the
// sync transport must only ever see sealed spins.
func (sc *SpinCache) Put(r *models.SpinResult) {
	if r == nil || r.ValidationHash == "" {
		return
	}
	sc.c.Set(r.SpinID, r, int64(len(r.CascadeSteps)+1))
}

// Get returns the cached result for a spin id.
func (sc *SpinCache) Get(spinID string) (*models.SpinResult, bool) {
	return sc.c.Get(spinID)
}

// Wait blocks until buffered writes are applied. Tests call this before
// asserting on Get.
func (sc *SpinCache) Wait() {
	sc.c.Wait()
}

// Close releases the cache's background resources.
func (sc *SpinCache) Close() {
	sc.c.Close()
}
