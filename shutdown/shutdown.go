// Package shutdown ties a context to the process's termination signals.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Context returns a context cancelled on the first termination signal.
// A second signal is left to the default handler so a stuck finalize can
// still be killed.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		select {
		case <-ch:
			signal.Stop(ch)
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
		}
	}()
	return ctx, cancel
}
