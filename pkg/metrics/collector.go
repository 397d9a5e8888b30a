package metrics

import (
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/appmanager"
	"github.com/cuemby/rtrm/pkg/types"
)

// Collector periodically refreshes the gauges that aren't naturally
// updated at the point of a state change: resource availability and EXC
// counts by state, both of which are cheaper to resample than to keep
// continuously in sync with every booking and state transition.
type Collector struct {
	apps   *appmanager.Manager
	acct   *accountant.Accountant
	stopCh chan struct{}
}

// NewCollector builds a Collector over the application manager and
// accountant the daemon already runs.
func NewCollector(apps *appmanager.Manager, acct *accountant.Accountant) *Collector {
	return &Collector{
		apps:   apps,
		acct:   acct,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectExcMetrics()
	c.collectResourceMetrics()
}

func (c *Collector) collectExcMetrics() {
	excs := c.apps.Snapshot()

	stateCounts := make(map[types.ExcState]int)
	pids := make(map[int]struct{})
	for _, exc := range excs {
		stateCounts[exc.State]++
		pids[exc.ID.Pid] = struct{}{}
	}

	for _, state := range []types.ExcState{
		types.ExcNew, types.ExcReady, types.ExcScheduling,
		types.ExcSync, types.ExcRunning, types.ExcBlocked, types.ExcFinished,
	} {
		ExcsTotal.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}
	ApplicationsTotal.Set(float64(len(pids)))
}

func (c *Collector) collectResourceMetrics() {
	for _, r := range c.acct.All() {
		path := r.Path.String()
		ResourceAvailable.WithLabelValues(path).Set(float64(c.acct.Available(path)))
		ResourceBooked.WithLabelValues(path).Set(float64(c.acct.Used(path)))
	}
}
