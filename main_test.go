package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whisperdeck/backend"
	"whisperdeck/metrics"
	"whisperdeck/session"
	"whisperdeck/wav"
)

func TestPickerKeys(t *testing.T) {
	p := &picker{names: []string{"a", "b", "c"}}

	steps := []struct {
		in     []byte
		cursor int
	}{
		{[]byte{0x1b, '[', 'A'}, 0},
		{[]byte{0x1b, '[', 'B'}, 1},
		{[]byte("j"), 2},
		{[]byte("j"), 2},
		{[]byte("k"), 1},
	}
	for i, s := range steps {
		done, err := p.key(s.in)
		if done || err != nil {
			t.Fatalf("step %d: done=%v err=%v", i, done, err)
		}
		if p.cursor != s.cursor {
			t.Errorf("step %d: cursor = %d, want %d", i, p.cursor, s.cursor)
		}
	}

	if done, _ := p.key([]byte{'\r'}); !done {
		t.Error("enter did not confirm")
	}
	if _, err := p.key([]byte{3}); !errors.Is(err, errPickerQuit) {
		t.Errorf("ctrl+c = %v, want errPickerQuit", err)
	}
}

func TestPickerRenderMarksBluetooth(t *testing.T) {
	p := &picker{names: []string{"Built-in Microphone", "AirPods Pro"}, cursor: 1}
	var buf bytes.Buffer
	p.render(&buf)
	out := buf.String()
	if !strings.Contains(out, "▶ AirPods Pro (BT") {
		t.Errorf("render = %q", out)
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("17"); err != nil || id != 17 {
		t.Errorf("parseID(17) = %d, %v", id, err)
	}
	for _, s := range []string{"", "0", "-3", "abc"} {
		if _, err := parseID(s); err == nil {
			t.Errorf("parseID(%q) accepted", s)
		}
	}
}

type memRecords struct {
	recordStore
	updates []backend.RecordUpdate
}

func (m *memRecords) PersistUpdate(_ context.Context, u backend.RecordUpdate) error {
	m.updates = append(m.updates, u)
	return nil
}

func TestCollaboratorsPersistToStore(t *testing.T) {
	var httpPut bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			httpPut = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := backend.New(srv.URL, 5*time.Second, metrics.Discard())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	mem := &memRecords{}
	c := collaborators{Client: client, records: mem}

	err = c.PersistUpdate(context.Background(), backend.RecordUpdate{ID: 3, Transcript: backend.LangMap{}})
	if err != nil {
		t.Fatalf("PersistUpdate: %v", err)
	}
	if len(mem.updates) != 1 || mem.updates[0].ID != 3 {
		t.Errorf("store updates = %+v", mem.updates)
	}
	if httpPut {
		t.Error("update also went to the backend service")
	}
	if err := c.StartInference(context.Background(), 3); err != nil {
		t.Errorf("StartInference through backend: %v", err)
	}
}

func TestRecordingFormat(t *testing.T) {
	for path, want := range map[string]string{"a.wav": "wav", "dir/B.FLAC": "flac"} {
		if got, err := recordingFormat(path); err != nil || got != want {
			t.Errorf("recordingFormat(%q) = %q, %v", path, got, err)
		}
	}
	for _, path := range []string{"a.mp3", "noext"} {
		if _, err := recordingFormat(path); err == nil {
			t.Errorf("recordingFormat(%q) accepted", path)
		}
	}
}

func TestImportThroughBackend(t *testing.T) {
	var (
		uploaded int
		persist  []byte
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /audio/{id}/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			if f, _, err := r.FormFile("file"); err == nil {
				var buf bytes.Buffer
				buf.ReadFrom(f)
				uploaded = buf.Len()
				f.Close()
			}
		}
	})
	mux.HandleFunc("GET /ai/inference/{id}", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /ai/transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"en":"imported"}`))
	})
	mux.HandleFunc("GET /ai/term/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("PUT /audio/{id}", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		persist = buf.Bytes()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := backend.New(srv.URL, 5*time.Second, metrics.Discard())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	off := offline{rate: 16000}
	ctrl, err := session.New(session.Config{RecordID: 5, SampleRate: 16000}, off, off,
		collaborators{Client: client, records: client}, nil, nil, nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := ctrl.Start(); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Start while importing = %v, want ErrNotConnected", err)
	}

	raw := wav.EncodeArtifact(make([]float32, 1600), 16000)
	res, err := ctrl.Import(context.Background(), raw, "wav")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Samples != 1600 || uploaded != len(raw) {
		t.Errorf("samples = %d uploaded = %d, want 1600 and %d", res.Samples, uploaded, len(raw))
	}
	if !strings.Contains(string(persist), `"imported"`) {
		t.Errorf("persisted body = %s", persist)
	}
}
