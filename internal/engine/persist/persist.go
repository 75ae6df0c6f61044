// Package persist writes a crash-safe snapshot of every non-completed
// Task to a flat JSON file, via a temp-file-then-rename so a crash
// mid-write never corrupts the previous snapshot.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dashfetch/engine/internal/engine/store"
	"github.com/dashfetch/engine/internal/engine/types"
)

// Record is one Task's durable footprint.
type Record struct {
	ID             string       `json:"id"`
	URL            string       `json:"url"`
	Filename       string       `json:"filename"`
	Filepath       string       `json:"filepath"`
	TotalSize      int64        `json:"total_size"`
	DownloadedSize int64        `json:"downloaded_size"`
	Status         types.Status `json:"status"`
}

// Snapshot is the whole state file's shape.
type Snapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Tasks   []Record  `json:"tasks"`
}

// Save writes every non-Completed task in s to path, via a temp file in
// the same directory followed by an atomic rename, so a reader never
// observes a partially-written snapshot.
func Save(path string, s *store.Store) error {
	snap := Snapshot{SavedAt: time.Now()}
	for _, t := range s.All() {
		if t.Status == types.StatusCompleted {
			continue
		}
		snap.Tasks = append(snap.Tasks, Record{
			ID:             t.ID,
			URL:            t.URL,
			Filename:       t.Filename,
			Filepath:       t.FinalPath,
			TotalSize:      t.TotalSize,
			DownloadedSize: t.DownloadedSize,
			Status:         t.Status,
		})
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load reads a previously-saved Snapshot. A missing file is not an
// error: it returns a zero-value Snapshot, matching first-run behavior.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	// A Downloading or Probing status on disk can never mean "still
	// running" after a restart, since nothing resumed the in-memory
	// transfer: normalize it back to Queued.
	for i := range snap.Tasks {
		if snap.Tasks[i].Status == types.StatusDownloading || snap.Tasks[i].Status == types.StatusProbing {
			snap.Tasks[i].Status = types.StatusQueued
		}
	}
	return snap, nil
}
