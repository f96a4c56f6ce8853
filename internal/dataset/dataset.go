// Package dataset reads and writes downloaded user data on disk
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// File names inside a user directory
const (
	EventDataFile = "event_data.json"
	NotesFile     = "notes.json"
	MetadataFile  = "creation_metadata.json"
)

// APIVersion is the only data format version this package reads
const APIVersion = "v1"

// Metadata documents when and how a user directory was created
type Metadata struct {
	DateCreated   string `json:"date_created"`
	APIVersion    string `json:"api_version"`
	DataStartDate string `json:"data_start_date"`
	DataEndDate   string `json:"data_end_date"`
}

// UserDirName returns the directory name for a user's download
func UserDirName(userID string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s", userID, timeline.FormatDate(start), timeline.FormatDate(end))
}

// Save writes events, notes and creation metadata under root and returns the user directory
func Save(root, userID string, start, end time.Time, events []timeline.RawEvent, notes []timeline.RawNote) (string, error) {
	dir := filepath.Join(root, UserDirName(userID, start, end))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindIO, "mkdir", "creating user directory")
	}

	if events == nil {
		events = []timeline.RawEvent{}
	}
	if notes == nil {
		notes = []timeline.RawNote{}
	}

	meta := Metadata{
		DateCreated:   time.Now().Format(time.RFC3339),
		APIVersion:    APIVersion,
		DataStartDate: timeline.FormatDate(start),
		DataEndDate:   timeline.FormatDate(end),
	}

	files := []struct {
		name string
		v    interface{}
	}{
		{EventDataFile, events},
		{NotesFile, map[string]interface{}{"messages": notes}},
		{MetadataFile, meta},
	}
	for _, f := range files {
		if err := writeJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return "", err
		}
	}

	log.Debug().Str("dir", dir).Int("events", len(events)).Int("notes", len(notes)).Msg("Saved user data")
	return dir, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return apperrors.Wrap(err, apperrors.KindIO, "write", "writing "+filepath.Base(path))
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "read", "reading "+filepath.Base(path)).
			WithContext("path", path)
	}
	return data, nil
}

// ReadMetadata reads a user directory's creation metadata
func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := readFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing metadata: %w", err)
	}
	return meta, nil
}

// UserIDFromDir extracts the user id from a directory named by UserDirName
func UserIDFromDir(dir string) string {
	base := filepath.Base(filepath.Clean(dir))
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	return base
}

// Load reads a user directory and builds the user's timelines
func Load(dir string, opts timeline.IngestOptions) (*timeline.User, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	if meta.APIVersion != APIVersion {
		return nil, apperrors.New(apperrors.KindValidation, "api_version",
			fmt.Sprintf("unsupported api version %q", meta.APIVersion)).WithContext("dir", dir)
	}

	data, err := readFile(filepath.Join(dir, EventDataFile))
	if err != nil {
		return nil, err
	}
	events, err := DecodeEvents(data)
	if err != nil {
		return nil, err
	}

	var notes []timeline.RawNote
	if data, err := os.ReadFile(filepath.Join(dir, NotesFile)); err == nil {
		if notes, err = DecodeNotes(data); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "read", "reading notes")
	}

	return timeline.Ingest(UserIDFromDir(dir), events, notes, opts)
}

// DecodeEvents decodes an event list. Files holding several dataset clones,
// [{"data": [...]}, ...], yield the clone with the most records.
func DecodeEvents(data []byte) ([]timeline.RawEvent, error) {
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing events: %w", err)
	}

	if isCloneList(records) {
		var best []timeline.RawEvent
		for i, rec := range records {
			var clone []timeline.RawEvent
			if err := json.Unmarshal(rec["data"], &clone); err != nil {
				return nil, fmt.Errorf("parsing dataset clone %d: %w", i, err)
			}
			if best == nil || len(clone) > len(best) {
				best = clone
			}
		}
		log.Debug().Int("clones", len(records)).Int("events", len(best)).Msg("Picked largest dataset clone")
		return best, nil
	}

	var events []timeline.RawEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parsing events: %w", err)
	}
	return events, nil
}

func isCloneList(records []map[string]json.RawMessage) bool {
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if _, ok := rec["data"]; !ok {
			return false
		}
		if _, ok := rec["type"]; ok {
			return false
		}
	}
	return true
}

// DecodeNotes accepts either the API's {"messages": [...]} body or a bare list
func DecodeNotes(data []byte) ([]timeline.RawNote, error) {
	var wrapped struct {
		Messages []timeline.RawNote `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if wrapped.Messages == nil {
			return []timeline.RawNote{}, nil
		}
		return wrapped.Messages, nil
	}

	var notes []timeline.RawNote
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, fmt.Errorf("parsing notes: %w", err)
	}
	return notes, nil
}

// List returns the user directories directly under groupDir, sorted by name
func List(groupDir string) ([]string, error) {
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "list", "listing dataset group")
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(groupDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, EventDataFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
