package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"whisperdeck/audio"
	"whisperdeck/session"
)

var importCmd = &cobra.Command{
	Use:   "import <id> <file>",
	Short: "Upload an existing WAV or FLAC recording into a record and transcribe it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		format, err := recordingFormat(args[1])
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		m := recordMetrics(ctx)
		client, records, closeFn, err := openRecords(ctx, cfg, m)
		if err != nil {
			return err
		}
		defer closeFn()

		off := offline{rate: cfg.Audio.SampleRate}
		ctrl, err := session.New(session.Config{
			RecordID:     id,
			SampleRate:   cfg.Audio.SampleRate,
			UploadDir:    cfg.Backend.UploadDir,
			UploadFormat: cfg.Backend.UploadFormat,
		}, off, off, collaborators{Client: client, records: records}, nil, &printSink{}, m)
		if err != nil {
			return err
		}
		res, err := ctrl.Import(ctx, raw, format)
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

func recordingFormat(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".flac":
		return ext[1:], nil
	default:
		return "", fmt.Errorf("%s: unsupported file type %q (use .wav or .flac)", path, ext)
	}
}

var errOffline = errors.New("no capture device while importing")

// offline stands in for the microphone and the stream during an import.
type offline struct{ rate int }

func (o offline) SampleRate() int             { return o.rate }
func (offline) DeviceName() string            { return "file" }
func (offline) Start(func(audio.Frame)) error { return errOffline }
func (offline) Stop()                         {}
func (offline) Connected() bool               { return false }
func (offline) EmitAudio([]byte) bool         { return false }

func init() {
	rootCmd.AddCommand(importCmd)
}
