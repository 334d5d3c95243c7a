package registry

import (
	"context"
	"sync"
	"time"

	"github.com/Will-Luck/fblaster/internal/clock"
	"github.com/Will-Luck/fblaster/internal/imageref"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/metrics"
)

// Poller periodically queries each tracked image's registry and emits a
// full snapshot of currently selected tags whenever any of them advances.
// Per-image lookups within a tick run in parallel.
type Poller struct {
	Log         *logging.Logger
	Clock       clock.Clock
	Credentials []Credential
	Insecure    bool
	Interval    time.Duration

	// OnPoll, if set, is invoked after every poll tick (successful or
	// not). Used to flush the metrics textfile on the same cadence the
	// teacher's scheduler drives its scan callback.
	OnPoll func()

	resetCh chan struct{}
}

// NewPoller creates a Poller ready to Run.
func NewPoller(log *logging.Logger, clk clock.Clock, creds []Credential, insecure bool, interval time.Duration) *Poller {
	return &Poller{
		Log:         log,
		Clock:       clk,
		Credentials: creds,
		Insecure:    insecure,
		Interval:    interval,
		resetCh:     make(chan struct{}, 1),
	}
}

// Poke forces an immediate poll tick, resetting the interval from this
// moment. Non-blocking: a poke already pending is not queued twice.
func (p *Poller) Poke() {
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
}

// Run starts the polling loop and returns a channel of snapshots. Snapshots
// are monotonic in tag per (registry, image) within the run. The channel is
// closed when ctx is cancelled.
func (p *Poller) Run(ctx context.Context, initial []imageref.Ref) <-chan []imageref.Ref {
	out := make(chan []imageref.Ref)
	current := make([]imageref.Ref, len(initial))
	copy(current, initial)

	go func() {
		defer close(out)
		for {
			select {
			case <-p.Clock.After(p.Interval):
			case <-p.resetCh:
				p.Log.Debug("poll interval reset by signal poke")
			case <-ctx.Done():
				return
			}

			metrics.PollsTotal.Inc()
			metrics.TrackedImages.Set(float64(len(current)))
			changed := p.pollAll(ctx, current)
			if p.OnPoll != nil {
				p.OnPoll()
			}
			if changed {
				snap := make([]imageref.Ref, len(current))
				copy(snap, current)
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// pollAll fetches tags for every tracked image in parallel, advancing
// current in place. It returns true if any image's tag changed.
func (p *Poller) pollAll(ctx context.Context, current []imageref.Ref) bool {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		changed bool
	)

	for i := range current {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := current[i]
			cred := FindByRegistry(p.Credentials, ref.Registry)

			tags, err := ListTags(ctx, ref.Registry, ref.Image, cred, p.Insecure)
			if err != nil {
				metrics.PollErrorsTotal.WithLabelValues(ref.Registry).Inc()
				p.Log.Warn("registry poll failed", "image", ref.Key(), "error", err)
				return
			}

			next, ok := SelectUpgrade(ref.Tag, tags)
			if !ok {
				return
			}

			mu.Lock()
			current[i].Tag = next
			changed = true
			mu.Unlock()
			metrics.UpgradesSelectedTotal.WithLabelValues(ref.Image).Inc()
			p.Log.Info("selected upgrade", "image", ref.Key(), "from", ref.Tag, "to", next)
		}(i)
	}

	wg.Wait()
	return changed
}
