package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Will-Luck/fblaster/internal/clock"
	"github.com/Will-Luck/fblaster/internal/imageref"
	"github.com/Will-Luck/fblaster/internal/logging"
	"github.com/Will-Luck/fblaster/internal/manifest"
	"github.com/Will-Luck/fblaster/internal/registry"
	"github.com/Will-Luck/fblaster/internal/supervisor"
	"github.com/Will-Luck/fblaster/internal/versionstore"
	"github.com/moby/moby/api/types/container"
)

type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Time{} }
func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}
func (immediateClock) Since(time.Time) time.Duration { return 0 }

// fakeDocker implements docker.API, recording every pulled reference.
type fakeDocker struct {
	mu      sync.Mutex
	pulled  []string
	auth    map[string]string // ref -> registryAuth received by PullImage
	pullErr error
}

func (d *fakeDocker) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}
func (d *fakeDocker) PullImage(_ context.Context, ref, auth string) error {
	d.mu.Lock()
	d.pulled = append(d.pulled, ref)
	if d.auth == nil {
		d.auth = map[string]string{}
	}
	d.auth[ref] = auth
	d.mu.Unlock()
	return d.pullErr
}
func (d *fakeDocker) Close() error { return nil }

type fakeOrchestrator struct {
	upCount   atomic.Int32
	stopCount atomic.Int32
}

func (o *fakeOrchestrator) Up() (*supervisor.Handle, error) {
	o.upCount.Add(1)
	return nil, nil
}
func (o *fakeOrchestrator) Stop(context.Context) error {
	o.stopCount.Add(1)
	return nil
}

const sampleManifest = `
services:
  cat:
    image: reg:7420/cat-image:10.0.0
  dog:
    image: reg:7420/dog-image:10.0.0
`

func mustParse(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestChangedRefsDetectsTagDrift(t *testing.T) {
	prev := []imageref.Ref{{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"}}
	next := []imageref.Ref{{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.1"}}
	got := changedRefs(prev, next)
	if len(got) != 1 || got[0].Tag != "10.0.1" {
		t.Errorf("changedRefs = %+v, want one changed entry", got)
	}
}

func TestChangedRefsIgnoresUnchanged(t *testing.T) {
	prev := []imageref.Ref{{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"}}
	next := []imageref.Ref{{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"}}
	if got := changedRefs(prev, next); len(got) != 0 {
		t.Errorf("changedRefs = %+v, want none", got)
	}
}

func newTestPipeline(t *testing.T, orch *fakeOrchestrator, dkr *fakeDocker, debounce time.Duration) *Pipeline {
	t.Helper()
	return &Pipeline{
		Docker:           dkr,
		Compose:          orch,
		BaseManifest:     mustParse(t),
		DerivedPath:      t.TempDir() + "/fblaster-docker-compose.yml",
		VersionStorePath: t.TempDir() + "/fblaster-versions.yml",
		Log:              logging.New(false),
		Clock:            immediateClock{},
		Debounce:         debounce,
		ShutdownTimeout:  time.Second,
	}
}

func TestRunRespawnsOnceForDebouncedBurst(t *testing.T) {
	orch := &fakeOrchestrator{}
	dkr := &fakeDocker{}
	p := newTestPipeline(t, orch, dkr, 50*time.Millisecond)
	// A real clock makes the 50ms debounce window actually elapse, so the
	// burst below coalesces into its last snapshot.
	p.Clock = clock.Real{}

	initial := []imageref.Ref{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.0"},
	}
	snapshots := make(chan []imageref.Ref, 2)
	snapshots <- []imageref.Ref{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.1"},
	}
	snapshots <- []imageref.Ref{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.2"},
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.1"},
	}
	close(snapshots)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Run(ctx, snapshots, initial)

	time.Sleep(100 * time.Millisecond)
	if got := orch.upCount.Load(); got != 1 {
		t.Errorf("Up() called %d times, want exactly 1 for a debounced burst", got)
	}
}

func TestPullAllUsesCredentialsForMatchingRegistry(t *testing.T) {
	orch := &fakeOrchestrator{}
	dkr := &fakeDocker{}
	p := newTestPipeline(t, orch, dkr, time.Millisecond)
	p.Credentials = []registry.Credential{
		{Registry: "reg:7420", Username: "alice", Secret: "hunter2"},
	}

	refs := []imageref.Ref{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.1"},
		{Registry: "docker.io", Image: "redis", Tag: "7.0"},
	}
	if err := p.pullAll(context.Background(), refs); err != nil {
		t.Fatalf("pullAll: %v", err)
	}

	dkr.mu.Lock()
	defer dkr.mu.Unlock()
	if dkr.auth["reg:7420/cat-image:10.0.1"] == "" {
		t.Error("expected non-empty registry auth for a credentialed registry")
	}
	if dkr.auth["redis:7.0"] != "" {
		t.Error("expected empty registry auth for a registry with no configured credentials")
	}
}

func TestPersistStageWritesVersionStore(t *testing.T) {
	orch := &fakeOrchestrator{}
	dkr := &fakeDocker{}
	p := newTestPipeline(t, orch, dkr, time.Millisecond)

	refs := []imageref.Ref{{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.1"}}
	p.persistStage(refs)

	loaded, ok, err := versionstore.Load(p.VersionStorePath)
	if err != nil {
		t.Fatalf("reload version store: %v", err)
	}
	if !ok || len(loaded) != 1 || loaded[0].Tag != "10.0.1" {
		t.Errorf("loaded = %+v, ok=%v, want one entry at 10.0.1", loaded, ok)
	}
}
