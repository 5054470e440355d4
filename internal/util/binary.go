// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindBinary resolves an external tool such as ffmpeg, ffprobe or ffplay.
// Search order:
//  1. explicit, when non-empty (typically from the config file)
//  2. the environment variable envVar, when set
//  3. the directory holding the running executable, for bundled tools
//  4. name on PATH
//
// An explicit path is returned as long as it is executable; the later
// candidates are skipped silently when they are not.
func FindBinary(name, explicit, envVar string) (string, error) {
	if explicit != "" {
		if !isExecutable(explicit) {
			return "", fmt.Errorf("binary %s: %s is not an executable file", name, explicit)
		}
		return explicit, nil
	}

	if envVar != "" {
		if p := os.Getenv(envVar); p != "" && isExecutable(p) {
			return p, nil
		}
	}

	if exe, err := os.Executable(); err == nil {
		if p := filepath.Join(filepath.Dir(exe), name); isExecutable(p) {
			return p, nil
		}
	}

	// LookPath already checks the executable bit
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
