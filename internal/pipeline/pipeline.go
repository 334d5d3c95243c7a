// Package pipeline implements the update pipeline (C6): debounce bursts of
// registry snapshots, pull changed images, respawn the orchestration child
// with a merged manifest, and persist the new tags. At most one
// pull-restart-persist sequence runs at a time; a fresh snapshot cancels
// whatever is in flight and supersedes it.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Will-Luck/fblaster/internal/clock"
	"github.com/Will-Luck/fblaster/internal/docker"
	"github.com/Will-Luck/fblaster/internal/imageref"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/manifest"
	"github.com/Will-Luck/fblaster/internal/metrics"
	"github.com/Will-Luck/fblaster/internal/registry"
	"github.com/Will-Luck/fblaster/internal/supervisor"
	"github.com/Will-Luck/fblaster/internal/versionstore"
	"github.com/moby/sys/atomicwriter"
)

const retryBackoff = 3 * time.Second

// Orchestrator is the subset of compose.Runtime the pipeline needs to
// respawn the orchestration child.
type Orchestrator interface {
	Up() (*supervisor.Handle, error)
	Stop(ctx context.Context) error
}

// Pipeline wires a registry snapshot stream into respawns of the
// orchestration child and writes of the version store.
type Pipeline struct {
	Docker           docker.API
	Compose          Orchestrator
	BaseManifest     *manifest.Manifest
	DerivedPath      string
	VersionStorePath string
	Log              *logging.Logger
	Clock            clock.Clock
	Debounce         time.Duration
	ShutdownTimeout  time.Duration
	Credentials      []registry.Credential

	// OnRespawn is invoked after a successful restart-stage with the
	// handle of the freshly spawned child and its tracked refs, so the
	// controller can rebind the health monitor to the new service set.
	OnRespawn func(handle *supervisor.Handle, refs []imageref.Ref)

	mu      sync.Mutex
	current *supervisor.Handle
}

// SetCurrent records the initially-spawned child handle, before the
// pipeline has performed its first restart.
func (p *Pipeline) SetCurrent(h *supervisor.Handle) {
	p.mu.Lock()
	p.current = h
	p.mu.Unlock()
}

// Run consumes snapshots, treating initial as the first "previous" value,
// and blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, snapshots <-chan []imageref.Ref, initial []imageref.Ref) {
	debounced := debounce(ctx, p.Clock, p.Debounce, snapshots)

	prev := initial
	var cancelCurrent context.CancelFunc
	var wg sync.WaitGroup

	abandon := func() {
		if cancelCurrent != nil {
			cancelCurrent()
			wg.Wait()
		}
	}
	defer abandon()

	for {
		select {
		case next, ok := <-debounced:
			if !ok {
				debounced = nil
				continue
			}
			abandon()

			stageCtx, cancel := context.WithCancel(ctx)
			cancelCurrent = cancel
			thisPrev := prev
			prev = next

			wg.Add(1)
			go func(prevSnap, nextSnap []imageref.Ref) {
				defer wg.Done()
				p.runStages(stageCtx, prevSnap, nextSnap)
			}(thisPrev, next)

		case <-ctx.Done():
			return
		}
	}
}

// runStages drives a single (previous, next) pair through pull, restart,
// and persist. Each of pull and restart retries on failure until it
// succeeds or ctx is cancelled by a fresher pair.
func (p *Pipeline) runStages(ctx context.Context, prev, next []imageref.Ref) {
	if !p.pullStage(ctx, prev, next) {
		return
	}
	if !p.restartStage(ctx, next) {
		return
	}
	p.persistStage(next)
}

func (p *Pipeline) pullStage(ctx context.Context, prev, next []imageref.Ref) bool {
	changed := changedRefs(prev, next)
	if len(changed) == 0 {
		return true
	}
	start := p.Clock.Now()
	for {
		if ctx.Err() != nil {
			return false
		}
		if err := p.pullAll(ctx, changed); err == nil {
			metrics.PullDuration.Observe(p.Clock.Since(start).Seconds())
			return true
		} else {
			p.Log.Warn("pull stage failed, retrying", "error", err)
		}
		select {
		case <-p.Clock.After(retryBackoff):
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Pipeline) pullAll(ctx context.Context, refs []imageref.Ref) error {
	errCh := make(chan error, len(refs))
	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref imageref.Ref) {
			defer wg.Done()

			var auth string
			if cred := registry.FindByRegistry(p.Credentials, ref.Registry); cred != nil {
				encoded, err := docker.EncodeAuth(cred.Username, cred.Secret)
				if err != nil {
					errCh <- fmt.Errorf("encode credentials for %s: %w", ref.Registry, err)
					return
				}
				auth = encoded
			}
			errCh <- p.Docker.PullImage(ctx, ref.String(), auth)
		}(ref)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) restartStage(ctx context.Context, next []imageref.Ref) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if err := p.doRestart(ctx, next); err == nil {
			metrics.RespawnsTotal.Inc()
			return true
		} else {
			metrics.RespawnFailuresTotal.Inc()
			p.Log.Warn("restart stage failed, retrying", "error", err)
		}
		select {
		case <-p.Clock.After(retryBackoff):
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Pipeline) doRestart(ctx context.Context, next []imageref.Ref) error {
	merged := p.BaseManifest.Merge(next)
	data, err := merged.Serialize()
	if err != nil {
		return fmt.Errorf("serialize derived manifest: %w", err)
	}
	if err := atomicwriter.WriteFile(p.DerivedPath, data, 0o644); err != nil {
		return fmt.Errorf("write derived manifest: %w", err)
	}

	p.mu.Lock()
	old := p.current
	p.mu.Unlock()
	if old != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, p.ShutdownTimeout)
		if err := old.Shutdown(shutdownCtx); err != nil {
			p.Log.Warn("orchestration child shutdown reported an error", "error", err)
		}
		cancel()
	}

	// Defensive stop: the orchestration child often leaves residuals
	// that a process signal alone does not reap.
	if err := p.Compose.Stop(ctx); err != nil {
		p.Log.Debug("defensive compose stop failed", "error", err)
	}

	handle, err := p.Compose.Up()
	if err != nil {
		return fmt.Errorf("spawn orchestration child: %w", err)
	}

	p.mu.Lock()
	p.current = handle
	p.mu.Unlock()

	if p.OnRespawn != nil {
		p.OnRespawn(handle, next)
	}
	return nil
}

func (p *Pipeline) persistStage(next []imageref.Ref) {
	if err := versionstore.Save(p.VersionStorePath, next); err != nil {
		metrics.VersionStoreWriteFailuresTotal.Inc()
		p.Log.Error("failed to persist version store", "error", err)
	}
}

// changedRefs returns the entries in next whose tag differs from the entry
// sharing its (registry, image) in prev.
func changedRefs(prev, next []imageref.Ref) []imageref.Ref {
	byKey := make(map[string]imageref.Ref, len(prev))
	for _, r := range prev {
		byKey[r.Key()] = r
	}

	var out []imageref.Ref
	for _, r := range next {
		old, ok := byKey[r.Key()]
		if !ok || old.Tag != r.Tag {
			out = append(out, r)
		}
	}
	return out
}

// debounce retains only the most recent snapshot when arrivals occur within
// window, resetting the timer on each new arrival.
func debounce(ctx context.Context, clk clock.Clock, window time.Duration, in <-chan []imageref.Ref) <-chan []imageref.Ref {
	out := make(chan []imageref.Ref)
	go func() {
		defer close(out)
		var pending []imageref.Ref
		var have bool
		var timer <-chan time.Time

		for {
			select {
			case snap, ok := <-in:
				if !ok {
					if have {
						select {
						case out <- pending:
						case <-ctx.Done():
						}
					}
					return
				}
				pending = snap
				have = true
				timer = clk.After(window)

			case <-timer:
				if have {
					select {
					case out <- pending:
						have = false
					case <-ctx.Done():
						return
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
