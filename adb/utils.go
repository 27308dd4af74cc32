package adb

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var ErrNotFound = errors.New("adb: executable not found")

// LookPath returns the adb executable, checking the ADB environment
// variable, then the working directory, then PATH.
func LookPath() (string, error) {
	if p := os.Getenv("ADB"); p != "" {
		return p, nil
	}

	exeName := "adb"
	if runtime.GOOS == "windows" {
		exeName = "adb.exe"
	}
	if local, err := filepath.Abs(exeName); err == nil {
		if st, err := os.Stat(local); err == nil && !st.IsDir() {
			return local, nil
		}
	}
	if p, err := exec.LookPath(exeName); err == nil {
		return p, nil
	}
	return "", ErrNotFound
}
