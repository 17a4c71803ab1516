//go:build integration

package test_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"whisperdeck/audio"
	"whisperdeck/backend"
	"whisperdeck/session"
	"whisperdeck/transcript"
	"whisperdeck/uplink"
	"whisperdeck/wav"
)

const (
	recordID      = 42
	sampleRate    = 16000
	flushInterval = 100 * time.Millisecond
)

// tonePCM returns durationS seconds of a 440 Hz tone as 16-bit mono PCM.
func tonePCM(durationS float64) []byte {
	n := int(float64(sampleRate) * durationS)
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func writeWAV(t *testing.T, pcm []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))
	if err := os.WriteFile(path, append(hdr, pcm...), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// streamServer counts audio chunks and answers the first one with a
// transcription_response.
type streamServer struct {
	*httptest.Server

	mu     sync.Mutex
	chunks [][]byte
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := context.Background()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			s.mu.Lock()
			s.chunks = append(s.chunks, data)
			first := len(s.chunks) == 1
			s.mu.Unlock()
			if first {
				msg := `{"event":"transcription_response","data":{"type":"partial","raw_text":"hallo","english":"hello","proper_nouns_english":"Berlin (capital of Germany)"}}`
				conn.Write(ctx, websocket.MessageText, []byte(msg))
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *streamServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// recordService stands in for the record and inference HTTP service.
type recordService struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []string
	uploaded []byte
	update   map[string]json.RawMessage
}

func newRecordService(t *testing.T) *recordService {
	t.Helper()
	s := &recordService{}
	mux := http.NewServeMux()
	note := func(name string) {
		s.mu.Lock()
		s.calls = append(s.calls, name)
		s.mu.Unlock()
	}
	mux.HandleFunc("POST /audio/{id}/upload", func(w http.ResponseWriter, r *http.Request) {
		note("upload")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		s.mu.Lock()
		s.uploaded = b
		s.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /ai/inference/{id}", func(w http.ResponseWriter, r *http.Request) {
		note("inference")
		w.Write([]byte(`{"status":"done"}`))
	})
	mux.HandleFunc("GET /ai/transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		note("transcript")
		w.Write([]byte(`{"raw":"hallo welt","en":"hello world"}`))
	})
	mux.HandleFunc("GET /ai/term/{id}", func(w http.ResponseWriter, r *http.Request) {
		note("term")
		w.Write([]byte(`{"en":["Berlin (capital of Germany)"]}`))
	})
	mux.HandleFunc("PUT /audio/{id}", func(w http.ResponseWriter, r *http.Request) {
		note("persist")
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.update = body
		s.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *recordService) snapshot() ([]string, []byte, map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...), s.uploaded, s.update
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionEndToEnd(t *testing.T) {
	stream := newStreamServer(t)
	service := newRecordService(t)

	cfg := uplink.DefaultConfig(stream.wsURL())
	cfg.PingInterval = 0
	cfg.ReconnectDelay = 10 * time.Millisecond
	ch := uplink.New(cfg, nil)
	defer ch.Close()

	ts := transcript.NewState()
	consumer := transcript.NewConsumer(ts)
	consumer.Subscribe(ch)

	client, err := backend.New(service.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	pcm := tonePCM(0.75)
	fake := audio.NewFakeContextPCM(pcm, sampleRate, true)
	src := audio.NewFrameSource(fake, nil, sampleRate, 0, ch)

	ctrl, err := session.New(session.Config{
		RecordID:      recordID,
		SampleRate:    sampleRate,
		FlushInterval: flushInterval,
		ArtifactDir:   t.TempDir(),
	}, src, ch, client, ts, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "channel connect", ch.Connected)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	caps := fake.Captures()
	if len(caps) != 1 {
		t.Fatalf("captures = %d, want 1", len(caps))
	}
	select {
	case <-caps[0].AudioDone():
	case <-time.After(10 * time.Second):
		t.Fatal("fake audio never finished")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res, err := ctrl.ProceedToResults(ctx)
	if err != nil {
		t.Fatalf("ProceedToResults: %v", err)
	}

	// Every captured sample lands in the artifact.
	samples := len(pcm) / 2
	if res.Samples != samples {
		t.Errorf("samples = %d, want %d", res.Samples, samples)
	}
	if want := wav.HeaderSize + samples*2; res.ArtifactBytes != want {
		t.Errorf("artifact = %d bytes, want %d", res.ArtifactBytes, want)
	}
	if _, err := os.Stat(res.ArtifactPath); err != nil {
		t.Errorf("artifact copy: %v", err)
	}

	chunks := stream.received()
	if len(chunks) == 0 {
		t.Fatal("no audio chunks reached the stream server")
	}
	header := wav.StreamHeader(sampleRate, flushInterval)
	for i, c := range chunks {
		if len(c) <= wav.HeaderSize || !bytes.Equal(c[:wav.HeaderSize], header) {
			t.Fatalf("chunk %d does not start with the stream header", i)
		}
	}

	waitFor(t, "transcription_response", func() bool { return ts.Events() > 0 })
	if got := ts.Text(transcript.English); got != "\nhello" {
		t.Errorf("english transcript = %q", got)
	}
	if term, ok := ts.CurrentTerm(transcript.English); !ok || term.Title != "Berlin" {
		t.Errorf("current term = %+v, %v", term, ok)
	}

	calls, uploaded, update := service.snapshot()
	want := []string{"upload", "inference", "transcript", "term", "persist"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	// transcript and term are fetched concurrently.
	if calls[0] != "upload" || calls[1] != "inference" || calls[4] != "persist" {
		t.Errorf("call order = %v", calls)
	}
	if len(uploaded) != res.ArtifactBytes {
		t.Errorf("uploaded %d bytes, want %d", len(uploaded), res.ArtifactBytes)
	}
	if string(update["transcript"]) != `{"en":"hello world","raw":"hallo welt"}` {
		t.Errorf("persisted transcript = %s", update["transcript"])
	}
	if _, ok := update["term"]; !ok {
		t.Error("persisted update has no term")
	}

	if !ctrl.Completed() {
		t.Error("controller not marked completed")
	}
	if err := ctrl.Start(); err != session.ErrSessionComplete {
		t.Errorf("restart: err = %v, want ErrSessionComplete", err)
	}
}

// TestHeadlessBinary runs a built binary against the same stand-in servers.
// Build with `go build -o /tmp/whisperdeck .` and set WHISPERDECK_TEST_BIN.
func TestHeadlessBinary(t *testing.T) {
	bin := os.Getenv("WHISPERDECK_TEST_BIN")
	if bin == "" {
		t.Skip("WHISPERDECK_TEST_BIN not set")
	}
	stream := newStreamServer(t)
	service := newRecordService(t)
	logDir := t.TempDir()
	wavPath := writeWAV(t, tonePCM(0.5))

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfgYAML := "audio:\n  sample_rate: 16000\n  raw_format: wav\nstream:\n  flush_interval: 100ms\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(bin, "--config", cfgPath, "--logpath", logDir,
		"record", "--session", "42", "--headless", "--fake", wavPath, "--nobeep")
	cmd.Env = append(os.Environ(),
		"WHISPERDECK_STREAM_URL="+stream.wsURL(),
		"WHISPERDECK_BACKEND_URL="+service.URL,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("whisperdeck exited with error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(string(out), "record 42:") {
		t.Errorf("output missing result line:\n%s", out)
	}

	diag, err := os.ReadFile(filepath.Join(logDir, "diagnostics_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []string{"session_start", "stream_metrics", "finalize", "session_end"} {
		if !bytes.Contains(diag, []byte(ev)) {
			t.Errorf("diagnostics_log.txt has no %s entry", ev)
		}
	}
	if _, err := os.Stat(filepath.Join(logDir, "42.wav")); err != nil {
		t.Errorf("artifact copy: %v", err)
	}
	if calls, _, _ := service.snapshot(); len(calls) != 5 {
		t.Errorf("service calls = %v", calls)
	}
}
