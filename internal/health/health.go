// Package health periodically inspects each managed service's container and
// restarts it once its reported unhealthy duration exceeds tolerance.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Will-Luck/fblaster/internal/clock"
	"github.com/Will-Luck/fblaster/internal/docker"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/metrics"
)

// Orchestrator is the subset of compose.Runtime that health monitoring
// needs: resolving a service's container id and restarting it in place.
type Orchestrator interface {
	ContainerID(ctx context.Context, service string) (string, error)
	RestartService(ctx context.Context, service string, timeout time.Duration) error
}

// status is a single service's container status record.
type status struct {
	mu          sync.Mutex
	containerID string
	lastHealthy time.Time
}

// Monitor runs one watcher per managed service. Inspections for a service
// are at-most-one-in-flight: a new tick cancels any outstanding inspection
// for the same service. Restarts for a label are serialized — overlapping
// unhealthy emissions coalesce to a single restart.
type Monitor struct {
	Docker          docker.API
	Compose         Orchestrator
	Clock           clock.Clock
	Log             *logging.Logger
	Interval        time.Duration
	Tolerance       time.Duration
	ShutdownTimeout time.Duration

	restarting sync.Map // label -> struct{}, in-flight restart dedupe
}

// Run starts one goroutine per service in services and blocks until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context, services []string) {
	var wg sync.WaitGroup
	for _, label := range services {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			m.runService(ctx, label)
		}(label)
	}
	wg.Wait()
}

func (m *Monitor) runService(ctx context.Context, label string) {
	st := &status{lastHealthy: m.Clock.Now()}

	var mu sync.Mutex
	var cancelPrev context.CancelFunc
	defer func() {
		mu.Lock()
		if cancelPrev != nil {
			cancelPrev()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-m.Clock.After(m.Interval):
		case <-ctx.Done():
			return
		}

		mu.Lock()
		if cancelPrev != nil {
			cancelPrev()
		}
		inspectCtx, cancel := context.WithCancel(ctx)
		cancelPrev = cancel
		mu.Unlock()

		go m.tick(inspectCtx, ctx, label, st)
	}
}

// tick performs one inspection cycle for label, resolving a missing
// container id first if necessary. inspectCtx governs the inspection
// itself and is cancelled by the next tick; runCtx is the service
// watcher's own long-lived context and is used for any restart a tick
// decides to issue, so a restart in flight outlives the tick that started
// it instead of being aborted by the next inspection cycle.
func (m *Monitor) tick(inspectCtx, runCtx context.Context, label string, st *status) {
	st.mu.Lock()
	id := st.containerID
	st.mu.Unlock()

	if id == "" {
		resolved, ok := m.resolveContainerID(inspectCtx, label)
		if !ok {
			return // cancelled or shutting down
		}
		id = resolved
		st.mu.Lock()
		st.containerID = id
		st.mu.Unlock()
	}

	info, err := m.Docker.InspectContainer(inspectCtx, id)
	switch {
	case err != nil && isNoSuchContainer(err):
		// Stale id from a recent restart; resolve fresh next tick.
		st.mu.Lock()
		st.containerID = ""
		st.lastHealthy = m.Clock.Now()
		st.mu.Unlock()
		return
	case err != nil:
		m.Log.Warn("health inspect failed", "service", label, "error", err)
		select {
		case <-m.Clock.After(10 * time.Second):
		case <-inspectCtx.Done():
		}
		return
	}

	unhealthy := info.State != nil && info.State.Health != nil && info.State.Health.Status == "unhealthy"
	st.mu.Lock()
	if !unhealthy {
		st.lastHealthy = m.Clock.Now()
	}
	since := m.Clock.Since(st.lastHealthy)
	st.mu.Unlock()

	if since > m.Tolerance {
		m.restart(runCtx, label)
	}
}

// resolveContainerID retries indefinitely at a 1-second sub-interval until
// the orchestration runtime reports a non-empty container id, or ctx is
// cancelled.
func (m *Monitor) resolveContainerID(ctx context.Context, label string) (string, bool) {
	for {
		id, err := m.Compose.ContainerID(ctx, label)
		if err == nil && id != "" {
			return id, true
		}
		if err != nil {
			m.Log.Warn("resolve container id failed", "service", label, "error", err)
		}
		select {
		case <-m.Clock.After(time.Second):
		case <-ctx.Done():
			return "", false
		}
	}
}

// restart issues a restart for label unless one is already in flight.
func (m *Monitor) restart(ctx context.Context, label string) {
	if _, already := m.restarting.LoadOrStore(label, struct{}{}); already {
		return
	}
	defer m.restarting.Delete(label)

	m.Log.Info("restarting unhealthy service", "service", label)
	metrics.HealthRestartsTotal.WithLabelValues(label).Inc()
	if err := m.Compose.RestartService(ctx, label, m.ShutdownTimeout); err != nil {
		m.Log.Warn("restart failed", "service", label, "error", err)
	}
}

func isNoSuchContainer(err error) bool {
	return strings.Contains(err.Error(), "No such container")
}
