package encoder

import (
	"errors"
	"time"
)

// Loaded wraps a finished recording, such as an imported file, so it can go
// through the same finalize path as a live capture. Write always fails.
func Loaded(format string, data []byte) Recorder {
	return &loaded{format: format, data: data}
}

type loaded struct {
	format string
	data   []byte
}

func (l *loaded) Write([]int16) error {
	return errors.New("loaded recording is read-only")
}

func (l *loaded) Close() error              { return nil }
func (l *loaded) Bytes() ([]byte, error)    { return l.data, nil }
func (l *loaded) Format() string            { return l.format }
func (l *loaded) TotalSamples() uint64      { return 0 }
func (l *loaded) EncodeTime() time.Duration { return 0 }
func (l *loaded) Discard()                  {}
