// Package fsutil writes session artifacts, optionally handing ownership to
// an unprivileged user when energyoor itself runs as root.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig holds the numeric owner applied to result files. A GID of -1
// leaves the group unchanged.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID" or "UID:GID". An empty string yields nil.
func ParseOwner(owner string) (*OwnerConfig, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, hasGID := strings.Cut(owner, ":")

	uid, err := parseID(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in %q: %w", owner, err)
	}

	gid := -1

	if hasGID {
		gid, err = parseID(gidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid gid in %q: %w", owner, err)
		}
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}

	if id < 0 {
		return 0, fmt.Errorf("negative id %d", id)
	}

	return id, nil
}

// Chown applies owner to path. Failures are ignored: ownership is a
// convenience for reading results afterwards, not a requirement.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates path and every missing parent, handing each directory it
// created to owner. Existing directories keep their ownership.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	var created []string

	for dir := filepath.Clean(path); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		}

		created = append(created, dir)

		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for _, dir := range created {
		Chown(dir, owner)
	}

	return nil
}

// WriteFile writes data to path and applies owner.
func WriteFile(path string, data []byte, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// Create truncates or creates path and applies owner.
func Create(path string, owner *OwnerConfig) (*os.File, error) {
	return open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, owner)
}

// OpenAppend opens path for appending, creating it when missing. Existing
// content is never truncated.
func OpenAppend(path string, owner *OwnerConfig) (*os.File, error) {
	return open(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, owner)
}

func open(path string, flag int, owner *OwnerConfig) (*os.File, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	Chown(path, owner)

	return f, nil
}

// CheckWritable verifies that files can be created inside dir.
func CheckWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".energyoor-writecheck-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}
