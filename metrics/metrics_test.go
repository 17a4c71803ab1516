package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ChunksSent.Inc()
	m.ChunksSent.Inc()
	m.UpstreamRequests.WithLabelValues("upload", "ok").Inc()

	if got := testutil.ToFloat64(m.ChunksSent); got != 2 {
		t.Errorf("ChunksSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("upload", "ok")); got != 1 {
		t.Errorf("upload ok = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestDiscardIsIndependent(t *testing.T) {
	// Two throwaway sets must not collide on registration.
	a := Discard()
	b := Discard()
	a.ChunksDropped.Inc()
	if got := testutil.ToFloat64(b.ChunksDropped); got != 0 {
		t.Errorf("independent registry saw %v drops", got)
	}
}
