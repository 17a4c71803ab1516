package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"whisperdeck/audio"
	"whisperdeck/doctor"
	"whisperdeck/metrics"
)

var (
	doctorDevice  string
	doctorSetup   bool
	doctorListen  time.Duration
	errChecksFail = errors.New("some checks failed")
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check microphone, endpoints and clipboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var checks []doctor.Check

		actx, err := audio.NewContext()
		if err != nil {
			fmt.Fprintf(os.Stderr, "audio unavailable: %v\n", err)
		} else {
			defer actx.Close()
			name := doctorDevice
			if name == "" {
				name = cfg.Audio.Device
			}
			dev, err := resolveDevice(actx, name, doctorSetup)
			if err != nil {
				return err
			}
			checks = append(checks, doctor.Microphone(actx, dev, cfg.Audio.SampleRate, doctorListen))
		}

		checks = append(checks, doctor.Stream(cfg.Stream.URL, cfg.Stream.ConnectTimeout))

		_, records, closeFn, err := openRecords(ctx, cfg, metrics.Discard())
		if err != nil {
			return err
		}
		defer closeFn()
		checks = append(checks, doctor.Records(records), doctor.Clipboard())

		if !doctor.Run(ctx, os.Stdout, checks) {
			return errChecksFail
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorDevice, "device", "", "use named microphone device")
	doctorCmd.Flags().BoolVar(&doctorSetup, "setup", false, "select microphone device interactively")
	doctorCmd.Flags().DurationVar(&doctorListen, "listen", 3*time.Second, "how long to capture for the microphone check")
	rootCmd.AddCommand(doctorCmd)
}
