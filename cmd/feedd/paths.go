// ABOUTME: Working-directory validation and pid-file single-instance locking
// ABOUTME: All failures here are fatal and reported before log redirection

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// workFiles are the files feedd owns inside its working directory.
var workFiles = []string{"feeds", "conf", "daemon-log", "pid"}

// expandDir resolves a leading ~ and normalizes the directory path.
func expandDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	return abs, nil
}

// ensurePaths verifies the working directory and its files are usable
// read/write, creating the directory if absent.
func ensurePaths(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	case err != nil:
		return fmt.Errorf("checking %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory", dir)
	default:
		if unix.Access(dir, unix.R_OK|unix.W_OK) != nil {
			return fmt.Errorf("%s is not readable and writable", dir)
		}
	}

	for _, name := range workFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", path)
		}
		if unix.Access(path, unix.R_OK|unix.W_OK) != nil {
			return fmt.Errorf("%s is not readable and writable", path)
		}
	}
	return nil
}

// lockPid takes a non-blocking exclusive flock on the pid file and
// writes the current pid into it. The lock is advisory and held for
// the life of the process, making the daemon single-instance per
// working directory.
func lockPid(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("another feedd is running in this directory")
		}
		return nil, fmt.Errorf("locking pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return f, nil
}

func unlockPid(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
