// Package pid guards against a second relay binding the same ports.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
)

const (
	FileName = "enosed.pid"
	filePerm = 0o600
)

// Path returns the PID file location inside dir, or the temp dir when dir is
// empty.
func Path(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, FileName)
}

// Write records the current process ID in dir. A PID file naming a live
// process fails with ErrAlreadyRunning; a stale or unreadable one is
// replaced.
func Write(dir string) (string, error) {
	errFactory := errors.New()
	path := Path(dir)

	if running, err := isRunning(path); err != nil {
		return "", err
	} else if running {
		return "", errFactory.WithData(errors.ErrAlreadyRunning, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return "", errFactory.Wrap(errors.ErrInternal, err)
	}

	return path, nil
}

func isRunning(path string) (bool, error) {
	bytes, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.New().Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}

	// A process we may not signal belongs to another user, not to us.
	return process.Signal(syscall.Signal(0)) == nil, nil
}

// Acquire writes the PID file and returns its path. Any failure is logged as
// a warning and yields an empty path; the listeners remain the real guard
// against a second instance.
func Acquire(dir string, log logger.Logger) string {
	path, err := Write(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Running without a PID file")
		return ""
	}
	return path
}

// Remove deletes the PID file at path. A missing file or an empty path is
// not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}
	return nil
}
