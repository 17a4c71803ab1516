//go:build !windows

package log

import (
	"os"
	"path/filepath"
	"runtime"
)

// platformDir is ~/Library/Logs/whisperdeck on macOS and
// $XDG_STATE_HOME/whisperdeck elsewhere.
func platformDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Logs", "whisperdeck"), nil
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "whisperdeck"), nil
}
