package queue

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/harrowgate/fetchcore/internal/task"
)

// persisted is the on-disk shape of the Queue State file, per spec §6:
// <state_dir>/queue.json.
type persisted struct {
	Tasks               []task.Task `json:"tasks"`
	NextAdmissionCursor int64       `json:"next_admission_cursor"`
}

// statePath returns the Queue State file path for a state directory.
func statePath(stateDir string) string {
	return filepath.Join(stateDir, "queue.json")
}

// saveState writes the full queue state atomically (temp file + rename),
// matching the checkpoint store's persistence idiom (spec §6).
func saveState(stateDir string, tasks []task.Task, cursor int64) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	p := persisted{Tasks: tasks, NextAdmissionCursor: cursor}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	path := statePath(stateDir)
	tmp, err := os.CreateTemp(stateDir, ".queue-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// loadState reads the Queue State file. A missing file is not an error:
// it returns an empty state (unlike checkpoint.Load, which reports a
// missing sidecar as an error).
func loadState(stateDir string) (persisted, error) {
	data, err := os.ReadFile(statePath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return persisted{}, nil
		}
		return persisted{}, err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return persisted{}, err
	}
	return p, nil
}
