// Package controller wires C1–C7 together: parse config and manifest,
// reconcile with the version store, spawn the orchestration child, and run
// the registry poller, health monitor, update pipeline, and signal channel
// until a termination signal arrives.
package controller

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Will-Luck/fblaster/internal/clock"
	"github.com/Will-Luck/fblaster/internal/compose"
	"github.com/Will-Luck/fblaster/internal/config"
	"github.com/Will-Luck/fblaster/internal/docker"
	"github.com/Will-Luck/fblaster/internal/health"
	"github.com/Will-Luck/fblaster/internal/imageref"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/manifest"
	"github.com/Will-Luck/fblaster/internal/metrics"
	"github.com/Will-Luck/fblaster/internal/pipeline"
	"github.com/Will-Luck/fblaster/internal/registry"
	"github.com/Will-Luck/fblaster/internal/signalpoke"
	"github.com/Will-Luck/fblaster/internal/supervisor"
	"github.com/Will-Luck/fblaster/internal/versionstore"
	"github.com/moby/sys/atomicwriter"
)

// State is one of the controller's lifecycle phases.
type State int

const (
	Initializing State = iota
	Running
	ShuttingDown
	Exited
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Controller owns the lifecycle of a single fblaster instance: one base
// manifest, one version store, one orchestration child at a time.
type Controller struct {
	Config *config.Config
	Docker docker.API
	Log    *logging.Logger
	Clock  clock.Clock

	mu       sync.Mutex
	state    State
	shutdown sync.Once

	compose  *compose.Runtime
	monitor  *health.Monitor
	poller   *registry.Poller
	pipeline *pipeline.Pipeline

	healthCancel context.CancelFunc
}

// New creates a Controller bound to cfg, with Clock set to clock.Real{}.
func New(cfg *config.Config, log *logging.Logger, dkr docker.API) *Controller {
	return &Controller{
		Config: cfg,
		Docker: dkr,
		Log:    log,
		Clock:  clock.Real{},
		state:  Initializing,
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the controller's current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes the full startup sequence and blocks until ctx is
// cancelled, then performs a single idempotent shutdown.
func (c *Controller) Run(ctx context.Context) error {
	cfg := c.Config

	creds, err := registry.LoadCredentials(cfg.Credentials)
	if err != nil {
		return err
	}
	c.loginCredentials(ctx, creds)

	base, err := c.parseBaseManifest()
	if err != nil {
		return err
	}

	initial := base.ExtractTracked(cfg.Images)
	loaded, ok, err := versionstore.Load(cfg.VersionStorePath())
	if err != nil {
		return err
	}
	effective := initial
	if ok {
		effective = versionstore.Reconcile(initial, loaded)
	}

	c.compose = compose.New(cfg.Directory, cfg.DerivedManifestPath())

	merged := base.Merge(effective)
	derivedData, err := merged.Serialize()
	if err != nil {
		return fmt.Errorf("serialize initial derived manifest: %w", err)
	}
	if err := atomicwriter.WriteFile(cfg.DerivedManifestPath(), derivedData, 0o644); err != nil {
		return fmt.Errorf("write initial derived manifest: %w", err)
	}

	handle, err := c.compose.Up()
	if err != nil {
		return fmt.Errorf("spawn orchestration child: %w", err)
	}

	c.monitor = &health.Monitor{
		Docker:          c.Docker,
		Compose:         c.compose,
		Clock:           c.Clock,
		Log:             c.Log,
		Interval:        cfg.HealthCheckInterval,
		Tolerance:       cfg.IllHealthTolerance,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	c.startHealth(ctx, merged.ServiceNames())

	c.poller = registry.NewPoller(c.Log, c.Clock, creds, cfg.Insecure, cfg.PollInterval)
	if cfg.MetricsTextfile != "" {
		c.poller.OnPoll = func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				c.Log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
			}
		}
	}

	c.pipeline = &pipeline.Pipeline{
		Docker:           c.Docker,
		Compose:          c.compose,
		BaseManifest:     base,
		DerivedPath:      cfg.DerivedManifestPath(),
		VersionStorePath: cfg.VersionStorePath(),
		Log:              c.Log,
		Clock:            c.Clock,
		Debounce:         cfg.Debounce,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Credentials:      creds,
	}
	c.pipeline.SetCurrent(handle)
	c.pipeline.OnRespawn = func(_ *supervisor.Handle, refs []imageref.Ref) {
		rebound := base.Merge(refs)
		c.rebindHealth(ctx, rebound.ServiceNames())
	}

	snapshots := c.poller.Run(ctx, effective)

	go signalpoke.Watch(ctx, c.poller.Poke)

	c.setState(Running)
	c.pipeline.Run(ctx, snapshots, effective)

	c.shutdownOnce()
	return nil
}

func (c *Controller) loginCredentials(ctx context.Context, creds []registry.Credential) {
	for _, cred := range creds {
		if err := compose.Login(ctx, cred.Registry, cred.Username, cred.Secret); err != nil {
			c.Log.Warn("registry login failed", "registry", cred.Registry, "error", err)
		}
	}
}

func (c *Controller) parseBaseManifest() (*manifest.Manifest, error) {
	data, err := os.ReadFile(c.Config.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", c.Config.ManifestPath(), err)
	}
	return manifest.Parse(data)
}

func (c *Controller) startHealth(ctx context.Context, services []string) {
	healthCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.healthCancel = cancel
	c.mu.Unlock()
	go c.monitor.Run(healthCtx, services)
}

// rebindHealth cancels the outstanding health-monitoring task and starts a
// fresh one against the newly respawned child's service set, per the
// controller's restart-stage contract.
func (c *Controller) rebindHealth(ctx context.Context, services []string) {
	c.mu.Lock()
	prev := c.healthCancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	c.startHealth(ctx, services)
}

// shutdownOnce runs the idempotent shutdown sequence exactly once: stop
// the health monitor, shut down the orchestration child, leave the
// pipeline's own cancellation to ctx already having fired.
func (c *Controller) shutdownOnce() {
	c.shutdown.Do(func() {
		c.setState(ShuttingDown)

		c.mu.Lock()
		cancel := c.healthCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), c.Config.ShutdownTimeout)
		defer done()
		if err := c.compose.Stop(shutdownCtx); err != nil {
			c.Log.Warn("final orchestration stop reported an error", "error", err)
		}

		c.setState(Exited)
	})
}
