package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
)

// API defines the subset of Docker operations used by fblaster: health
// inspection of containers started by the orchestration child, and image
// pulls ahead of a respawn. Implemented by Client for production, and by
// mocks for testing.
type API interface {
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	PullImage(ctx context.Context, refStr, registryAuth string) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
