package cpufreq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	stateFilePrefix = "energyoor-cpufreq-"
	stateFileSuffix = ".json"
)

// StateFile is a persisted copy of original CPU settings, left behind when
// a session crashes before restoring them.
type StateFile struct {
	Path      string
	Timestamp time.Time
}

// SaveState writes settings to a new state file in stateDir.
func SaveState(stateDir string, settings *OriginalSettings) (string, error) {
	if stateDir == "" {
		stateDir = os.TempDir()
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}

	name := fmt.Sprintf("%s%d%s", stateFilePrefix, time.Now().UnixNano(), stateFileSuffix)
	path := filepath.Join(stateDir, name)

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing state file: %w", err)
	}

	return path, nil
}

// LoadState reads a state file.
func LoadState(path string) (*OriginalSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var settings OriginalSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}

	return &settings, nil
}

// RemoveStateFile removes a state file; a missing file is not an error.
func RemoveStateFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}

	return nil
}

// ListOrphanedStateFiles finds state files left behind by interrupted
// sessions.
func ListOrphanedStateFiles(stateDir string) ([]StateFile, error) {
	if stateDir == "" {
		stateDir = os.TempDir()
	}

	entries, err := os.ReadDir(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	var files []StateFile

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, stateFilePrefix) || !strings.HasSuffix(name, stateFileSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, StateFile{
			Path:      filepath.Join(stateDir, name),
			Timestamp: info.ModTime(),
		})
	}

	return files, nil
}

// RestoreFromStateFile restores the settings recorded in a state file and
// removes it.
func RestoreFromStateFile(log logrus.FieldLogger, path string) error {
	settings, err := LoadState(path)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	log.WithField("state_file", path).Info("Restoring CPU frequency settings from state file")

	restoreSettings(log, settings)

	if err := RemoveStateFile(path); err != nil {
		log.WithError(err).Warn("Failed to remove state file")
	}

	return nil
}

// CleanupOrphanedState restores settings from every orphaned state file.
// Failures are logged and do not stop the remaining files.
func CleanupOrphanedState(log logrus.FieldLogger, files []StateFile) {
	for _, sf := range files {
		if err := RestoreFromStateFile(log, sf.Path); err != nil {
			log.WithError(err).WithField("state_file", sf.Path).Warn("Failed to restore from state file")
		}
	}
}
