package doctor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"whisperdeck/audio"
	"whisperdeck/backend"
)

func TestRunReportsEveryCheck(t *testing.T) {
	var out bytes.Buffer
	ran := 0
	checks := []Check{
		{Name: "first", Run: func(context.Context) (string, error) { ran++; return "", errors.New("boom") }},
		{Name: "second", Run: func(context.Context) (string, error) { ran++; return "fine", nil }},
	}
	if Run(context.Background(), &out, checks) {
		t.Error("Run reported success with a failing check")
	}
	if ran != 2 {
		t.Errorf("ran %d checks, want 2", ran)
	}
	for _, want := range []string{"[1/2] first", "FAIL: boom", "[2/2] second", "PASS: fine", "Some checks failed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunSkipsWhenInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	called := false
	ok := Run(ctx, &out, []Check{{Name: "x", Run: func(context.Context) (string, error) { called = true; return "", nil }}})
	if ok || called {
		t.Errorf("ok=%v called=%v, want false false", ok, called)
	}
	if !strings.Contains(out.String(), "SKIP") {
		t.Errorf("output missing SKIP:\n%s", out.String())
	}
}

func TestMicrophoneCheck(t *testing.T) {
	pcm := make([]byte, 8000*2)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(16384)))
	}
	fake := audio.NewFakeContextPCM(pcm, 8000, false)

	detail, err := Microphone(fake, nil, 8000, time.Millisecond).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(detail, "1.0 s captured") || !strings.Contains(detail, "peak level 0.500") {
		t.Errorf("detail = %q", detail)
	}
}

func TestMicrophoneCheckNoAudio(t *testing.T) {
	fake := audio.NewFakeContextPCM(nil, 8000, false)
	_, err := Microphone(fake, nil, 8000, time.Millisecond).Run(context.Background())
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestStreamCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Read(r.Context())
		conn.CloseNow()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := Stream(url, 2*time.Second).Run(context.Background()); err != nil {
		t.Errorf("Stream: %v", err)
	}

	srv.Close()
	if _, err := Stream(url, 500*time.Millisecond).Run(context.Background()); err == nil {
		t.Error("Stream succeeded against a closed server")
	}
}

type stubLister struct {
	recs []backend.Record
	err  error
}

func (s stubLister) ListRecords(context.Context) ([]backend.Record, error) { return s.recs, s.err }

func TestRecordsCheck(t *testing.T) {
	detail, err := Records(stubLister{recs: make([]backend.Record, 3)}).Run(context.Background())
	if err != nil || detail != "3 records" {
		t.Errorf("detail=%q err=%v", detail, err)
	}
	if _, err := Records(stubLister{err: errors.New("down")}).Run(context.Background()); err == nil {
		t.Error("want error from a failing lister")
	}
}
