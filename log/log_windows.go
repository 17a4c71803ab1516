//go:build windows

package log

import (
	"os"
	"path/filepath"
)

func platformDir() (string, error) {
	base, err := os.UserCacheDir() // %LOCALAPPDATA%
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "whisperdeck", "logs"), nil
}
