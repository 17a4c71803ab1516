package session

import (
	"fmt"
	"time"
)

// Sink receives controller events. Calls come from capture and finalize
// goroutines and must not block for long.
type Sink interface {
	StateChanged(s State)
	Tick(elapsed time.Duration)
	AudioLevel(level float64)
	NoVoiceWarning(active bool)
	ChunkStreamed(bytes int, sent bool)
	FinalizeStage(stage Stage)
	Failed(f *Failure)
	Completed(r *Result)
}

type NopSink struct{}

func (NopSink) StateChanged(State)      {}
func (NopSink) Tick(time.Duration)      {}
func (NopSink) AudioLevel(float64)      {}
func (NopSink) NoVoiceWarning(bool)     {}
func (NopSink) ChunkStreamed(int, bool) {}
func (NopSink) FinalizeStage(Stage)     {}
func (NopSink) Failed(*Failure)         {}
func (NopSink) Completed(*Result)       {}

// FormatDuration renders elapsed time as m:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
