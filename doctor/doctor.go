// Package doctor runs the checks behind `whisperdeck doctor`: microphone
// capture, the streaming endpoint, the record service and the clipboard.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"whisperdeck/audio"
	"whisperdeck/backend"
	"whisperdeck/clipboard"
)

type Check struct {
	Name string
	Run  func(ctx context.Context) (detail string, err error)
}

// Run executes checks in order and prints a PASS/FAIL line for each. It
// reports whether every check passed. A failing check does not stop the
// ones after it.
func Run(ctx context.Context, w io.Writer, checks []Check) bool {
	fmt.Fprintln(w, "whisperdeck doctor - system diagnostics")
	fmt.Fprintln(w, "=======================================")

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, len(checks), c.Name)
		if ctx.Err() != nil {
			fmt.Fprintln(w, "  SKIP: interrupted")
			allPass = false
			continue
		}
		detail, err := c.Run(ctx)
		if err != nil {
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			allPass = false
			continue
		}
		fmt.Fprintf(w, "  PASS: %s\n", detail)
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
	} else {
		fmt.Fprintln(w, "Some checks failed. See details above.")
	}
	return allPass
}

var ErrNoAudio = errors.New("no audio captured")

// Microphone records from device for d and reports the peak level.
func Microphone(actx audio.Context, device *audio.DeviceInfo, sampleRate int, d time.Duration) Check {
	return Check{
		Name: "Microphone capture",
		Run: func(ctx context.Context) (string, error) {
			src := audio.NewFrameSource(actx, device, sampleRate, 0, nil)

			var (
				mu      sync.Mutex
				samples int
				peak    float64
			)
			err := src.Start(func(f audio.Frame) {
				lvl := level(f)
				mu.Lock()
				samples += len(f)
				peak = max(peak, lvl)
				mu.Unlock()
			})
			if err != nil {
				return "", err
			}

			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
			src.Stop()

			mu.Lock()
			defer mu.Unlock()
			if samples == 0 {
				return "", ErrNoAudio
			}
			return fmt.Sprintf("%s: %.1f s captured, peak level %.3f",
				src.DeviceName(), float64(samples)/float64(sampleRate), peak), nil
		},
	}
}

func level(f audio.Frame) float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(f)))
}

// Stream performs one websocket handshake against url.
func Stream(url string, timeout time.Duration) Check {
	return Check{
		Name: "Streaming endpoint",
		Run: func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			conn, _, err := websocket.Dial(ctx, url, nil)
			if err != nil {
				return "", fmt.Errorf("connecting to %s: %w", url, err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Sprintf("%s connected in %d ms", url, time.Since(start).Milliseconds()), nil
		},
	}
}

type lister interface {
	ListRecords(ctx context.Context) ([]backend.Record, error)
}

// Records lists records to confirm the record service answers.
func Records(l lister) Check {
	return Check{
		Name: "Record service",
		Run: func(ctx context.Context) (string, error) {
			recs, err := l.ListRecords(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d records", len(recs)), nil
		},
	}
}

// Clipboard copies a sentinel and reads it back, restoring what was there.
func Clipboard() Check {
	return Check{
		Name: "Clipboard",
		Run: func(context.Context) (string, error) {
			if !clipboard.Available() {
				return "", clipboard.ErrUnsupported
			}
			prev, _ := clipboard.Read()
			defer clipboard.Copy(prev)

			const sentinel = "whisperdeck-doctor-check"
			if err := clipboard.Copy(sentinel); err != nil {
				return "", fmt.Errorf("copy: %w", err)
			}
			got, err := clipboard.Read()
			if err != nil {
				return "", fmt.Errorf("read: %w", err)
			}
			if got != sentinel {
				return "", fmt.Errorf("read back %q, want %q", got, sentinel)
			}
			return "copy and read back verified", nil
		},
	}
}
