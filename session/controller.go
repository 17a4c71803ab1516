// Package session drives one recording: capture and streaming while the user
// records, then the finalize pipeline that turns the raw recording into the
// uploaded artifact and the persisted transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"whisperdeck/audio"
	"whisperdeck/backend"
	"whisperdeck/encoder"
	"whisperdeck/log"
	"whisperdeck/metrics"
	"whisperdeck/transcript"
	"whisperdeck/uplink"
	"whisperdeck/wav"
)

type State int

const (
	Idle State = iota
	Capturing
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	}
	return "unknown"
}

// Stage names a step that can fail.
type Stage string

const (
	StageStart     Stage = "start"
	StageEncode    Stage = "encode"
	StageDecode    Stage = "decode"
	StageUpload    Stage = "upload"
	StageInference Stage = "start_inference"
	StageFetch     Stage = "fetch"
	StagePersist   Stage = "persist"
)

// Failure is reported when start or finalize fails. Nothing is retried.
type Failure struct {
	Stage Stage
	Err   error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Stage, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

var (
	ErrNotConnected    = errors.New("streaming server not connected")
	ErrBusy            = errors.New("session is not idle")
	ErrNotCapturing    = errors.New("session is not capturing")
	ErrSessionComplete = errors.New("session already completed")
	ErrNoRecording     = errors.New("nothing has been recorded")
)

// Source produces mono float frames from a capture device.
type Source interface {
	Start(onFrame func(audio.Frame)) error
	Stop()
	SampleRate() int
	DeviceName() string
}

// Uplink is the outbound side of the streaming channel.
type Uplink interface {
	Connected() bool
	// EmitAudio is called on the capture goroutine and must not block.
	EmitAudio(chunk []byte) bool
}

// Collaborators are the external calls made while finalizing.
type Collaborators interface {
	Upload(ctx context.Context, recordID int64, dir, format string, blob []byte) error
	StartInference(ctx context.Context, recordID int64) error
	GetTranscript(ctx context.Context, recordID int64) (backend.LangMap, error)
	GetTerm(ctx context.Context, recordID int64) (backend.LangMap, error)
	PersistUpdate(ctx context.Context, u backend.RecordUpdate) error
}

type Config struct {
	RecordID      int64
	SampleRate    int
	FrameSize     int
	FlushInterval time.Duration
	RawFormat     string
	UploadDir     string
	UploadFormat  string
	// ArtifactDir, when set, receives a local copy <record>.wav of the
	// uploaded artifact.
	ArtifactDir  string
	TickInterval time.Duration

	NewRecorder func(format string, sampleRate int) (encoder.Recorder, error)
	Now         func() time.Time
}

// Result describes a completed session.
type Result struct {
	RecordID      int64
	Captured      time.Duration
	Samples       int
	ArtifactBytes int
	ArtifactPath  string
	Transcript    backend.LangMap
	Term          backend.LangMap
}

type Stats struct {
	Frames        int
	Samples       int
	ChunksFlushed int
	ChunksSent    int
	ChunksDropped int
	BytesSent     int
}

type Controller struct {
	cfg     Config
	source  Source
	uplink  Uplink
	collab  Collaborators
	state   *transcript.State
	sink    Sink
	metrics *metrics.Metrics

	mu        sync.Mutex
	phase     State
	starting  bool
	completed bool
	rec       encoder.Recorder
	chunks    *wav.ChunkEncoder
	silence   *silenceMonitor
	startedAt time.Time
	stopTick  chan struct{}
	done      chan struct{}
	result    *Result
	failure   *Failure
	stats     Stats
}

// New wires a controller. The source must capture at cfg.SampleRate so the
// streaming header and the artifact describe the audio correctly. ts, sink
// and m may be nil.
func New(cfg Config, source Source, up Uplink, collab Collaborators, ts *transcript.State, sink Sink, m *metrics.Metrics) (*Controller, error) {
	if cfg.RecordID <= 0 {
		return nil, fmt.Errorf("invalid record id %d", cfg.RecordID)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	if got := source.SampleRate(); got != cfg.SampleRate {
		return nil, fmt.Errorf("capture rate %d Hz does not match encoder rate %d Hz", got, cfg.SampleRate)
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = wav.DefaultFlushInterval
	}
	if cfg.RawFormat == "" {
		cfg.RawFormat = "flac"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "wav"
	}
	if cfg.UploadFormat == "" {
		cfg.UploadFormat = "wav"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.NewRecorder == nil {
		cfg.NewRecorder = encoder.New
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ts == nil {
		ts = transcript.NewState()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if m == nil {
		m = metrics.Discard()
	}
	frameDur := time.Duration(cfg.FrameSize) * time.Second / time.Duration(cfg.SampleRate)
	return &Controller{
		cfg:     cfg,
		source:  source,
		uplink:  up,
		collab:  collab,
		state:   ts,
		sink:    sink,
		metrics: m,
		chunks:  wav.NewChunkEncoder(cfg.SampleRate, cfg.FlushInterval),
		silence: newSilenceMonitor(frameDur),
	}, nil
}

func (c *Controller) sessionID() string { return strconv.FormatInt(c.cfg.RecordID, 10) }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Completed reports whether a session finished successfully. The record
// cannot be recorded again afterwards.
func (c *Controller) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// CanStart mirrors the start control: idle, connected and not yet completed.
func (c *Controller) CanStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == Idle && !c.starting && !c.completed && c.uplink.Connected()
}

func (c *Controller) Transcript() *transcript.State { return c.state }

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Elapsed is the capture time so far, or zero when not capturing.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Capturing {
		return 0
	}
	return c.cfg.Now().Sub(c.startedAt)
}

// Start begins capturing. It is rejected while the uplink is down and the
// controller then stays idle.
func (c *Controller) Start() error {
	c.mu.Lock()
	switch {
	case c.completed:
		c.mu.Unlock()
		return ErrSessionComplete
	case c.phase != Idle || c.starting:
		c.mu.Unlock()
		return ErrBusy
	case !c.uplink.Connected():
		c.mu.Unlock()
		c.metrics.SessionsRejected.WithLabelValues("disconnected").Inc()
		return ErrNotConnected
	}

	rec, err := c.cfg.NewRecorder(c.cfg.RawFormat, c.cfg.SampleRate)
	if err != nil {
		c.mu.Unlock()
		return c.fail(&Failure{Stage: StageStart, Err: err}, "recorder")
	}
	c.starting = true
	c.rec = rec
	c.chunks.Reset(c.cfg.Now())
	c.silence.Reset()
	c.stats = Stats{}
	c.result = nil
	c.failure = nil
	c.done = nil
	c.state.Reset()
	c.mu.Unlock()

	// Frames can arrive before Start returns.
	err = c.source.Start(c.onFrame)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.rec = nil
		c.mu.Unlock()
		rec.Discard()
		reason := "device"
		if errors.Is(err, audio.ErrNotConnected) {
			reason = "disconnected"
			err = ErrNotConnected
		}
		return c.fail(&Failure{Stage: StageStart, Err: err}, reason)
	}
	c.phase = Capturing
	c.startedAt = c.cfg.Now()
	c.done = make(chan struct{})
	c.stopTick = make(chan struct{})
	stopTick := c.stopTick
	c.mu.Unlock()

	c.metrics.SessionsStarted.Inc()
	log.SessionStart(c.sessionID(), c.source.DeviceName(), c.cfg.SampleRate, rec.Format())
	c.sink.StateChanged(Capturing)
	go c.tick(stopTick)
	return nil
}

func (c *Controller) fail(f *Failure, reason string) error {
	c.metrics.SessionsRejected.WithLabelValues(reason).Inc()
	log.Errorf("session %s: %v", c.sessionID(), f)
	c.sink.Failed(f)
	return f
}

func (c *Controller) tick(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if d := c.Elapsed(); d > 0 {
				c.sink.Tick(d)
			}
		}
	}
}

// onFrame runs on the capture goroutine. Frames feed the raw recording and
// the chunk buffer; a due chunk is sent before the next frame is taken.
func (c *Controller) onFrame(f audio.Frame) {
	level := rms(f)

	c.mu.Lock()
	rec := c.rec
	if rec == nil {
		c.mu.Unlock()
		return
	}
	if err := rec.Write(f.PCM()); err != nil {
		log.Warnf("raw recording write: %v", err)
	}
	c.chunks.Append(f)
	chunk, due := c.chunks.Flush(c.cfg.Now())
	ev := c.silence.Tick(level >= speechRMS)
	c.stats.Frames++
	c.stats.Samples += len(f)
	if due {
		c.stats.ChunksFlushed++
	}
	c.mu.Unlock()

	if due {
		sent := c.uplink.EmitAudio(chunk)
		c.mu.Lock()
		if sent {
			c.stats.ChunksSent++
			c.stats.BytesSent += len(chunk)
		} else {
			c.stats.ChunksDropped++
		}
		c.mu.Unlock()
		c.sink.ChunkStreamed(len(chunk), sent)
	}

	c.sink.AudioLevel(level)
	switch ev {
	case SilenceWarn, SilenceRepeat:
		c.sink.NoVoiceWarning(true)
	case SilenceWarnClear:
		c.sink.NoVoiceWarning(false)
	}
}

// Stop ends capture and starts finalizing in the background. Use
// ProceedToResults to wait for the outcome.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != Capturing {
		c.mu.Unlock()
		return ErrNotCapturing
	}
	c.phase = Finalizing
	close(c.stopTick)
	c.mu.Unlock()
	c.sink.StateChanged(Finalizing)

	// The trailing partial frame is delivered during Stop and still lands in
	// the raw recording.
	c.source.Stop()

	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	captured := c.cfg.Now().Sub(c.startedAt)
	// Whatever is still buffered is not streamed; the artifact is rebuilt
	// from the raw recording.
	c.chunks.Drop()
	stats := c.stats
	done := c.done
	c.mu.Unlock()

	c.metrics.SessionDuration.Observe(captured.Seconds())
	sm := log.StreamMetricsData{
		AudioS:        float64(stats.Samples) / float64(c.cfg.SampleRate),
		Frames:        stats.Frames,
		SentChunks:    stats.ChunksSent,
		DroppedChunks: stats.ChunksDropped,
		SentKB:        float64(stats.BytesSent) / 1024,
	}
	if r, ok := c.uplink.(interface{ Stats() uplink.Stats }); ok {
		us := r.Stats()
		sm.RecvMessages = us.Received
		sm.Reconnects = us.Reconnects
	}
	log.StreamMetrics(c.sessionID(), sm)

	go c.finalize(ctx, rec, captured, done)
	return nil
}

// Abort stops capture without finalizing and discards the recording.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.phase != Capturing {
		c.mu.Unlock()
		return
	}
	c.phase = Idle
	close(c.stopTick)
	rec := c.rec
	c.rec = nil
	done := c.done
	c.failure = &Failure{Stage: StageStart, Err: context.Canceled}
	c.chunks.Drop()
	c.mu.Unlock()

	c.source.Stop()
	if rec != nil {
		rec.Discard()
	}
	close(done)
	log.SessionEnd(c.sessionID(), "aborted", 0)
	c.sink.StateChanged(Idle)
}

// ProceedToResults blocks until the running finalize completes and returns
// its result. It returns immediately when nothing is in flight.
func (c *Controller) ProceedToResults(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil, ErrNoRecording
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return nil, c.failure
	}
	return c.result, nil
}

// Import runs the finalize stages on an existing recording instead of a
// capture and returns the outcome. format is "wav" or "flac". No streaming
// connection is needed.
func (c *Controller) Import(ctx context.Context, raw []byte, format string) (*Result, error) {
	c.mu.Lock()
	switch {
	case c.completed:
		c.mu.Unlock()
		return nil, ErrSessionComplete
	case c.phase != Idle || c.starting:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.phase = Finalizing
	c.result = nil
	c.failure = nil
	c.state.Reset()
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	log.SessionStart(c.sessionID(), "import", c.cfg.SampleRate, format)
	c.sink.StateChanged(Finalizing)
	c.finalize(ctx, encoder.Loaded(format, raw), 0, done)
	return c.ProceedToResults(ctx)
}

func (c *Controller) finalize(ctx context.Context, rec encoder.Recorder, captured time.Duration, done chan struct{}) {
	start := time.Now()
	var fm log.FinalizeMetricsData
	var result *Result
	var failure *Failure

	defer func() {
		fm.TotalMs = msSince(start)
		c.mu.Lock()
		c.phase = Idle
		c.result = result
		c.failure = failure
		if failure == nil {
			c.completed = true
		}
		c.mu.Unlock()
		defer close(done)

		log.FinalizeMetrics(c.sessionID(), fm)
		if failure != nil {
			c.metrics.FinalizeFailures.WithLabelValues(string(failure.Stage)).Inc()
			log.Errorf("session %s finalize: %v", c.sessionID(), failure)
			log.SessionEnd(c.sessionID(), "failed", captured)
			c.sink.Failed(failure)
		} else {
			c.logTranscripts()
			log.SessionEnd(c.sessionID(), "completed", captured)
			c.sink.Completed(result)
		}
		c.sink.StateChanged(Idle)
	}()

	stage := func(s Stage, fn func() error) bool {
		if failure != nil {
			return false
		}
		c.sink.FinalizeStage(s)
		t := time.Now()
		err := fn()
		c.metrics.FinalizeDuration.WithLabelValues(string(s)).Observe(time.Since(t).Seconds())
		if err != nil {
			failure = &Failure{Stage: s, Err: err}
			return false
		}
		return true
	}

	defer rec.Discard()

	var raw []byte
	stage(StageEncode, func() error {
		t := time.Now()
		defer func() { fm.EncodeMs = msSince(t) }()
		if err := rec.Close(); err != nil {
			return err
		}
		b, err := rec.Bytes()
		raw = b
		fm.RawKB = float64(len(b)) / 1024
		return err
	})

	var artifact []byte
	var samples []float32
	stage(StageDecode, func() error {
		s, err := wav.DecodeRecording(raw, rec.Format(), c.cfg.SampleRate)
		if err != nil {
			return err
		}
		samples = s
		artifact = wav.EncodeArtifact(samples, c.cfg.SampleRate)
		fm.ArtifactKB = float64(len(artifact)) / 1024
		return nil
	})

	if captured == 0 {
		// imported recordings have no capture clock
		captured = time.Duration(len(samples)) * time.Second / time.Duration(c.cfg.SampleRate)
	}

	var artifactPath string
	if failure == nil && c.cfg.ArtifactDir != "" {
		p, err := c.saveArtifact(artifact)
		if err != nil {
			log.Warnf("saving local artifact: %v", err)
		}
		artifactPath = p
	}

	id := c.cfg.RecordID
	stage(StageUpload, func() error {
		t := time.Now()
		defer func() { fm.UploadMs = msSince(t) }()
		return c.collab.Upload(ctx, id, c.cfg.UploadDir, c.cfg.UploadFormat, artifact)
	})

	stage(StageInference, func() error {
		t := time.Now()
		defer func() { fm.InferenceMs = msSince(t) }()
		return c.collab.StartInference(ctx, id)
	})

	var tr, terms backend.LangMap
	stage(StageFetch, func() error {
		t := time.Now()
		defer func() { fm.FetchMs = msSince(t) }()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			tr, err = c.collab.GetTranscript(gctx, id)
			return err
		})
		g.Go(func() error {
			var err error
			terms, err = c.collab.GetTerm(gctx, id)
			return err
		})
		return g.Wait()
	})

	stage(StagePersist, func() error {
		t := time.Now()
		defer func() { fm.PersistMs = msSince(t) }()
		if tr == nil {
			tr = backend.LangMap{}
		}
		if terms == nil {
			terms = backend.LangMap{}
		}
		return c.collab.PersistUpdate(ctx, backend.RecordUpdate{ID: id, Transcript: tr, Term: terms})
	})

	if failure == nil {
		result = &Result{
			RecordID:      id,
			Captured:      captured,
			Samples:       len(samples),
			ArtifactBytes: len(artifact),
			ArtifactPath:  artifactPath,
			Transcript:    tr,
			Term:          terms,
		}
	}
}

func (c *Controller) saveArtifact(artifact []byte) (string, error) {
	if err := os.MkdirAll(c.cfg.ArtifactDir, 0755); err != nil {
		return "", err
	}
	p := filepath.Join(c.cfg.ArtifactDir, c.sessionID()+".wav")
	if err := os.WriteFile(p, artifact, 0644); err != nil {
		return "", err
	}
	return p, nil
}

func (c *Controller) logTranscripts() {
	for _, l := range transcript.Languages {
		if text := c.state.Text(l); text != "" {
			log.TranscriptText(c.sessionID(), string(l), text)
		}
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
