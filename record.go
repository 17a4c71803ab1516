package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"whisperdeck/audio"
	"whisperdeck/beep"
	"whisperdeck/log"
	"whisperdeck/metrics"
	"whisperdeck/session"
	"whisperdeck/transcript"
	"whisperdeck/uplink"
)

var (
	recordID     int64
	deviceName   string
	setupDevice  bool
	fakeWAV      string
	headless     bool
	duration     time.Duration
	noBeep       bool
	keepArtifact bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session, stream it for live transcription and save the result",
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().Int64Var(&recordID, "session", 0, "record id to capture into (see `whisperdeck create`)")
	recordCmd.Flags().StringVar(&deviceName, "device", "", "use named microphone device")
	recordCmd.Flags().BoolVar(&setupDevice, "setup", false, "select microphone device interactively")
	recordCmd.Flags().StringVar(&fakeWAV, "fake", "", "replay a 16-bit mono WAV file instead of the microphone")
	recordCmd.Flags().BoolVar(&headless, "headless", false, "no TUI: start when connected, stop after --duration or end of --fake audio")
	recordCmd.Flags().DurationVar(&duration, "duration", 0, "headless capture length (0 = until interrupted)")
	recordCmd.Flags().BoolVar(&noBeep, "nobeep", false, "disable cue tones")
	recordCmd.Flags().BoolVar(&keepArtifact, "keep-artifact", true, "write <session>.wav into the log directory")
	recordCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(recordCmd)
}

// recorder is everything a record run wires together.
type recorder struct {
	ctrl     *session.Controller
	channel  *uplink.Channel
	state    *transcript.State
	consumer *transcript.Consumer
	fake     *audio.FakeContext
	device   string
	close    func()
}

func newRecorder(ctx context.Context, sink session.Sink, m *metrics.Metrics) (*recorder, error) {
	client, records, closeRecords, err := openRecords(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	var (
		actx audio.Context
		fake *audio.FakeContext
	)
	if fakeWAV != "" {
		fake, err = audio.NewFakeContext(fakeWAV, cfg.Audio.SampleRate, true)
		actx = fake
	} else {
		actx, err = audio.NewContext()
	}
	if err != nil {
		closeRecords()
		return nil, fmt.Errorf("initializing audio: %w", err)
	}

	name := deviceName
	if name == "" {
		name = cfg.Audio.Device
	}
	dev, err := resolveDevice(actx, name, setupDevice && fakeWAV == "")
	if err != nil {
		actx.Close()
		closeRecords()
		return nil, err
	}

	ucfg := uplink.DefaultConfig(cfg.Stream.URL)
	ucfg.ReconnectAttempts = cfg.Stream.ReconnectAttempts
	ucfg.ConnectTimeout = cfg.Stream.ConnectTimeout
	ucfg.ReconnectDelay = cfg.Stream.ReconnectDelay
	ucfg.AutoConnect = cfg.Stream.AutoConnect
	ch := uplink.New(ucfg, m)
	ch.Connect()

	state := transcript.NewState()
	consumer := transcript.NewConsumer(state)
	consumer.Subscribe(ch)

	src := audio.NewFrameSource(actx, dev, cfg.Audio.SampleRate, cfg.Audio.FrameSize, ch)
	scfg := session.Config{
		RecordID:      recordID,
		SampleRate:    cfg.Audio.SampleRate,
		FrameSize:     cfg.Audio.FrameSize,
		FlushInterval: cfg.Stream.FlushInterval,
		RawFormat:     cfg.Audio.RawFormat,
		UploadDir:     cfg.Backend.UploadDir,
		UploadFormat:  cfg.Backend.UploadFormat,
	}
	if keepArtifact {
		scfg.ArtifactDir = log.Dir()
	}
	ctrl, err := session.New(scfg, src, ch, collaborators{Client: client, records: records}, state, sink, m)
	if err != nil {
		ch.Close()
		actx.Close()
		closeRecords()
		return nil, err
	}

	return &recorder{
		ctrl:     ctrl,
		channel:  ch,
		state:    state,
		consumer: consumer,
		fake:     fake,
		device:   src.DeviceName(),
		close: func() {
			ch.Close()
			actx.Close()
			closeRecords()
		},
	}, nil
}

func recordMetrics(ctx context.Context) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Discard()
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
			log.Errorf("metrics listener: %v", err)
		}
	}()
	return m
}

func runRecord(cmd *cobra.Command, args []string) error {
	if recordID <= 0 {
		return fmt.Errorf("--session must be a positive record id")
	}
	if noBeep || headless {
		beep.Disable()
	}
	ctx := cmd.Context()
	m := recordMetrics(ctx)

	if headless {
		return runHeadless(ctx, m)
	}

	sink := &tuiSink{}
	rec, err := newRecorder(ctx, sink, m)
	if err != nil {
		return err
	}
	defer rec.close()

	model := newTUIModel(rec.ctrl, rec.state, rec.channel.Connected, recordID, rec.device)
	p := NewTUIProgram(model)
	sink.attach(p)

	rec.channel.OnStateChange(func(connected bool) { p.Send(ConnStateMsg{Connected: connected}) })
	rec.consumer.OnUpdate(func() { p.Send(TranscriptMsg{}) })
	rec.consumer.OnError(func(msg string) { p.Send(ServerErrorMsg{Text: msg}) })
	go func() {
		select {
		case <-rec.channel.Done():
			p.Send(ChannelClosedMsg{Err: rec.channel.Err()})
		case <-ctx.Done():
			p.Quit()
		}
	}()

	if _, err := p.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
		return err
	}
	switch rec.ctrl.State() {
	case session.Capturing:
		rec.ctrl.Abort()
	case session.Finalizing:
		// The TUI can still be torn down by a signal mid-finalize.
		fmt.Fprintln(os.Stderr, "waiting for the session to be saved...")
		if _, err := rec.ctrl.ProceedToResults(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// runHeadless records without a terminal UI and prints the persisted
// transcript, the way scripted and integration runs use the tool.
func runHeadless(ctx context.Context, m *metrics.Metrics) error {
	sink := &printSink{}
	rec, err := newRecorder(ctx, sink, m)
	if err != nil {
		return err
	}
	defer rec.close()
	rec.consumer.OnError(func(msg string) { fmt.Fprintf(os.Stderr, "server error: %s\n", msg) })

	if err := waitConnected(ctx, rec.channel, cfg.Stream.ConnectTimeout); err != nil {
		return err
	}
	if err := rec.ctrl.Start(); err != nil {
		return err
	}

	var until <-chan time.Time
	if duration > 0 {
		until = time.After(duration)
	}
	var audioDone <-chan struct{}
	if rec.fake != nil {
		if caps := rec.fake.Captures(); len(caps) > 0 {
			audioDone = caps[len(caps)-1].AudioDone()
		}
	}
	select {
	case <-until:
	case <-audioDone:
	case <-ctx.Done():
	}

	// finalize must outlive an interrupt that only ended capture
	finalizeCtx := context.WithoutCancel(ctx)
	if err := rec.ctrl.Stop(finalizeCtx); err != nil {
		return err
	}
	res, err := rec.ctrl.ProceedToResults(finalizeCtx)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func waitConnected(ctx context.Context, ch *uplink.Channel, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !ch.Connected() {
		select {
		case <-ch.Done():
			if err := ch.Err(); err != nil {
				return err
			}
			return uplink.ErrClosed
		case <-deadline:
			return fmt.Errorf("streaming server: %w", session.ErrNotConnected)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printResult(res *session.Result) {
	fmt.Printf("record %d: %s captured, %d samples, artifact %d bytes\n",
		res.RecordID, session.FormatDuration(res.Captured), res.Samples, res.ArtifactBytes)
	if res.ArtifactPath != "" {
		fmt.Printf("artifact: %s\n", res.ArtifactPath)
	}
	for _, l := range transcript.Languages {
		if lines := res.Transcript.Lines(string(l)); len(lines) > 0 {
			fmt.Printf("\n[%s]\n%s\n", l.Label(), strings.Join(lines, "\n"))
		}
	}
}

// printSink reports progress on stderr.
type printSink struct{ session.NopSink }

func (printSink) StateChanged(s session.State) {
	fmt.Fprintf(os.Stderr, "state: %s\n", s)
}

func (printSink) NoVoiceWarning(active bool) {
	if active {
		fmt.Fprintln(os.Stderr, "warning: no voice detected")
	}
}

func (printSink) FinalizeStage(s session.Stage) {
	fmt.Fprintf(os.Stderr, "finalize: %s\n", s)
}

func (printSink) Failed(f *session.Failure) {
	var dev *audio.DeviceError
	if errors.As(f, &dev) {
		fmt.Fprintf(os.Stderr, "microphone error: %v\n", dev)
		return
	}
	fmt.Fprintf(os.Stderr, "failed: %v\n", f)
}
