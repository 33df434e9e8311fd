package mesh

import "go.uber.org/zap"

// Sweep purges payloads and seen ids older than PayloadTTL. Ids whose state
// has aged out lose their payload too. Pending rebroadcasts are cancelled and
// any fetch or request held for them is released.
// It runs on SweepInterval once the coordinator is started.
func (c *Coordinator) Sweep() {
	now := c.clock.Now()
	cutoff := now.Add(-c.cfg.PayloadTTL)

	expired := c.store.Sweep()
	forgotten := c.dedup.PurgeOlderThan(cutoff)

	ids := make(map[uint64]struct{}, len(expired))
	for _, id := range expired {
		ids[id] = struct{}{}
	}

	c.mu.Lock()
	for id, e := range c.states {
		if _, ok := ids[id]; !ok && !e.updated.Before(cutoff) {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(c.states, id)
		ids[id] = struct{}{}
	}
	c.mu.Unlock()

	released := make([]uint64, 0, len(ids))
	for id := range ids {
		// a retired id must not be answered from a payload kept past its state
		c.store.Delete(id)
		released = append(released, id)
	}
	c.client.Release(released...)
	c.server.Forget(released...)
	c.metrics.StoredPayloads.Set(float64(c.store.Len()))

	if len(released) > 0 || forgotten > 0 {
		c.log.Debug("sweep",
			zap.Int("payloads", len(expired)),
			zap.Int("seen", forgotten),
			zap.Int("released", len(released)))
	}
}
