package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"brandmark/core/fsutil"
)

// Stats progress counters
type Stats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// ResumeSnapshot persisted state of an interrupted run
type ResumeSnapshot struct {
	CurrentIndex    int       `json:"currentIndex"`
	Stats           Stats     `json:"stats"`
	Timestamp       time.Time `json:"timestamp"`
	RemainingImages []string  `json:"remainingImages"`
}

// LoadSnapshot reads a snapshot. A missing file returns nil, nil.
func LoadSnapshot(path string) (*ResumeSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resume file: %w", err)
	}
	var snap ResumeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse resume file %s: %w", path, err)
	}
	if snap.CurrentIndex < 0 {
		return nil, fmt.Errorf("resume file %s: negative currentIndex %d", path, snap.CurrentIndex)
	}
	return &snap, nil
}

// SaveSnapshot writes snap atomically
func SaveSnapshot(path string, snap ResumeSnapshot) error {
	if snap.RemainingImages == nil {
		snap.RemainingImages = []string{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write resume file: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot; a missing file is not an error
func DeleteSnapshot(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete resume file: %w", err)
	}
	return nil
}
