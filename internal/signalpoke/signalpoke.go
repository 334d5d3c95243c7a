// Package signalpoke implements the signal channel (C7): translating an
// external poke delivered as SIGUSR2 into an immediate registry poll tick,
// and delivering that same poke from a second invocation of the binary to
// the running peer via the orchestration runtime.
package signalpoke

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Will-Luck/fblaster/internal/compose"
)

// Watch installs a SIGUSR2 handler and invokes onPoke every time the
// process receives it, until ctx is cancelled.
func Watch(ctx context.Context, onPoke func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ch:
			onPoke()
		case <-ctx.Done():
			return
		}
	}
}

// Send resolves peerContainerName via the orchestration runtime's
// "kill --signal" facility and delivers SIGUSR2 to it. It is used by a
// second invocation of the binary started with --signal-poll.
func Send(ctx context.Context, peerContainerName string) error {
	if err := compose.KillSignal(ctx, peerContainerName, "SIGUSR2"); err != nil {
		return fmt.Errorf("deliver signal to %s: %w", peerContainerName, err)
	}
	return nil
}
