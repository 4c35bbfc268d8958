package checkpoint

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/zombor/voucher-capture/internal/sink"
)

// Store loads and saves the checkpoint file. Loading reconciles it with the
// tabular and line-delimited sinks, which win when they disagree.
type Store struct {
	path      string
	csvPath   string
	jsonlPath string
	log       *slog.Logger
}

// NewStore creates a Store. csvPath and jsonlPath may be empty.
func NewStore(path, csvPath, jsonlPath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:      path,
		csvPath:   csvPath,
		jsonlPath: jsonlPath,
		log:       log,
	}
}

// fileState is what could be read from the checkpoint file
type fileState struct {
	ids           []string
	lastID        string
	lastSignature string
}

// Load never fails: an unreadable source contributes nothing.
func (s *Store) Load() *State {
	st := NewState()

	file := s.readFile()
	for _, id := range file.ids {
		if id != "" {
			st.processed[id] = struct{}{}
		}
	}
	st.lastID = file.lastID
	st.lastSignature = file.lastSignature

	// older files carry no lastId
	if st.lastID == "" {
		for i := len(file.ids) - 1; i >= 0; i-- {
			if file.ids[i] != "" {
				st.lastID = file.ids[i]
				st.lastSignature = ""
				break
			}
		}
	}

	if s.csvPath != "" {
		ids, err := sink.ReadCSVIDs(s.csvPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Reading csv ids", "path", s.csvPath, "error", err)
		}
		for _, id := range ids {
			st.processed[id] = struct{}{}
		}
		if n := len(ids); n > 0 && ids[n-1] != st.lastID {
			st.lastID = ids[n-1]
			st.lastSignature = ""
		}
	}

	if s.jsonlPath != "" {
		last, err := sink.ReadLastJSONL(s.jsonlPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Reading jsonl tail", "path", s.jsonlPath, "error", err)
		}
		if last != nil {
			st.processed[last.ID] = struct{}{}
			if st.lastID == "" {
				st.lastID = last.ID
			}
			if st.lastSignature == "" && st.lastID == last.ID {
				st.lastSignature = last.Signature
			}
		}
	}

	if st.lastID != "" {
		st.processed[st.lastID] = struct{}{}
		if idx := slices.Index(file.ids, st.lastID); idx > 0 {
			st.previousID = file.ids[idx-1]
		} else if idx < 0 && len(file.ids) >= 2 {
			st.previousID = file.ids[len(file.ids)-2]
		}
	}

	s.log.Debug("Loaded checkpoint",
		"processed", len(st.processed),
		"last_id", st.lastID,
		"has_signature", st.lastSignature != "",
		"previous_id", st.previousID,
	)
	return st
}

func (s *Store) readFile() fileState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Reading checkpoint", "path", s.path, "error", err)
		}
		return fileState{}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("Malformed checkpoint, starting empty", "path", s.path, "error", err)
		return fileState{}
	}

	pick := func(keys ...string) json.RawMessage {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				return v
			}
		}
		return nil
	}

	var fs fileState
	var items []any
	if v := pick("processedIds", "processed_ids"); v != nil && json.Unmarshal(v, &items) == nil {
		for _, item := range items {
			if id, ok := item.(string); ok {
				fs.ids = append(fs.ids, id)
			}
		}
	}
	if v := pick("lastId", "last_id"); v != nil {
		_ = json.Unmarshal(v, &fs.lastID)
	}
	if v := pick("lastSignature", "last_signature"); v != nil {
		_ = json.Unmarshal(v, &fs.lastSignature)
	}
	return fs
}

// Save writes the state to a temporary file and renames it over the
// checkpoint, so a crash leaves either the old or the new file.
func (s *Store) Save(st *State) error {
	snap := st.Snapshot()
	snap.PreviousID = ""
	if snap.ProcessedIDs == nil {
		snap.ProcessedIDs = []string{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("generating temp suffix: %w", err)
	}
	tmp := s.path + "." + hex.EncodeToString(suffix) + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}
