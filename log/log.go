package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: --logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: WHISPERDECK_LOG_PATH environment variable
	if envPath := os.Getenv("WHISPERDECK_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return platformDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "transcript_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// ChannelState records a streaming channel transition.
func ChannelState(connID, state string, attempt int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("conn_id", connID).
		Str("state", state).
		Int("attempt", attempt).
		Msg("channel_state")
}

// ServerError records an error event pushed by the transcription server.
func ServerError(message string) {
	if !logReady {
		return
	}
	diagLog.Error().Str("server_message", message).Msg("server_error")
}

func SessionStart(sessionID, device string, sampleRate int, format string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session_id", sessionID).
		Str("device", device).
		Int("sample_rate", sampleRate).
		Str("format", format).
		Msg("session_start")
}

type StreamMetricsData struct {
	AudioS        float64
	Frames        int
	SentChunks    int
	DroppedChunks int
	SentKB        float64
	RecvMessages  int
	Reconnects    int
}

func StreamMetrics(sessionID string, m StreamMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session_id", sessionID).
		Float64("audio_s", m.AudioS).
		Int("frames", m.Frames).
		Int("sent_chunks", m.SentChunks).
		Int("dropped_chunks", m.DroppedChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("reconnects", m.Reconnects).
		Msg("stream_metrics")
}

type FinalizeMetricsData struct {
	RawKB       float64
	ArtifactKB  float64
	EncodeMs    float64
	UploadMs    float64
	InferenceMs float64
	FetchMs     float64
	PersistMs   float64
	TotalMs     float64
}

func FinalizeMetrics(sessionID string, m FinalizeMetricsData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session_id", sessionID).
		Float64("raw_kb", m.RawKB).
		Float64("artifact_kb", m.ArtifactKB).
		Float64("encode_ms", m.EncodeMs).
		Float64("upload_ms", m.UploadMs).
		Float64("inference_ms", m.InferenceMs).
		Float64("fetch_ms", m.FetchMs).
		Float64("persist_ms", m.PersistMs).
		Float64("total_ms", m.TotalMs).
		Msg("finalize")
}

func SessionEnd(sessionID, outcome string, captured time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session_id", sessionID).
		Str("outcome", outcome).
		Float64("captured_s", captured.Seconds()).
		Msg("session_end")
}

// TranscriptText appends one language's final transcript to transcript_log.txt.
func TranscriptText(sessionID, lang, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcriptFile == nil {
		return
	}
	flat := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, sessionID, lang, flat)
	transcriptFile.WriteString(line)
}

// Upstream records one backend call with its timing breakdown.
func Upstream(op, requestID string, status int, total, ttfb time.Duration, connReused bool) {
	if !logReady {
		return
	}
	connStatus := "new"
	if connReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Str("op", op).
		Str("request_id", requestID).
		Int("status", status).
		Str("conn", connStatus).
		Float64("ttfb_ms", float64(ttfb.Microseconds())/1000).
		Float64("total_ms", float64(total.Microseconds())/1000).
		Msg("upstream")
}
