package cimonitor

import (
	"time"

	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/runtime"
)

// checkStalls sweeps the pool snapshots for loops stuck on one task
// past the stall ceiling. Each stall episode raises exactly one
// warning; the flag clears when the pool moves on, so a later stall on
// the same pool notifies again.
func (m *Monitor) checkStalls() {
	if m.pools == nil {
		return
	}

	now := time.Now()
	active := make(map[string]bool)

	for pool, st := range m.pools.Status() {
		if st.State != runtime.PoolStateBusy || st.BusySince.IsZero() {
			continue
		}

		key := string(pool) + "|" + st.CurrentTask
		active[key] = true

		if now.Sub(st.BusySince) < m.stallCeiling {
			continue
		}

		m.mu.Lock()
		notified := m.stallNotified[key]
		if !notified {
			m.stallNotified[key] = true
		}
		m.mu.Unlock()

		if !notified {
			m.notifier.Notify(notify.SeverityWarning,
				"pool %s has been working task %s for %s; it may be stalled",
				pool, st.CurrentTask, now.Sub(st.BusySince).Round(time.Second))
		}
	}

	// Drop flags for episodes that ended so the next stall notifies.
	m.mu.Lock()
	for key := range m.stallNotified {
		if !active[key] {
			delete(m.stallNotified, key)
		}
	}
	m.mu.Unlock()
}
