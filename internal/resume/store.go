package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Record is the durable projection of a task: enough to rebuild it and
// continue every chunk from its recorded offset. Only valid while its
// validator still matches the remote resource.
type Record struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Destination   string         `json:"destination"`
	TotalSize     int64          `json:"total_size"`
	AcceptsRanges bool           `json:"accepts_ranges"`
	Validator     task.Validator `json:"validator"`
	ThreadCount   int            `json:"thread_count"`
	Chunks        []task.Chunk   `json:"chunks"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// FromTask snapshots the resumable part of a task.
func FromTask(t *task.Task) *Record {
	chunks := make([]task.Chunk, len(t.Chunks))
	copy(chunks, t.Chunks)
	return &Record{
		ID:            t.ID,
		URL:           t.URL,
		Destination:   t.Destination,
		TotalSize:     t.TotalSize,
		AcceptsRanges: t.AcceptsRanges,
		Validator:     t.Validator,
		ThreadCount:   t.ThreadCount,
		Chunks:        chunks,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Apply copies the recorded progress back onto a task.
func (r *Record) Apply(t *task.Task) {
	t.TotalSize = r.TotalSize
	t.AcceptsRanges = r.AcceptsRanges
	t.Validator = r.Validator
	t.ThreadCount = r.ThreadCount
	t.Chunks = make([]task.Chunk, len(r.Chunks))
	copy(t.Chunks, r.Chunks)
}

// Store keeps one JSON record per task id in a directory. Writes go
// through a temp file and rename, so a crash mid-write never leaves a
// half-written record. Single writer; callers share one Store.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating resume directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists the record atomically.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding resume record: %w", err)
	}
	tmp := s.path(rec.ID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating resume record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("error writing resume record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("error syncing resume record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error closing resume record: %w", err)
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error finalizing resume record: %w", err)
	}
	return nil
}

// Load returns the record for id, or nil when none exists.
func (s *Store) Load(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading resume record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("error decoding resume record %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record for id. Missing records are not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting resume record: %w", err)
	}
	return nil
}

// LoadAll returns every readable record. Unreadable files are skipped
// with a warning rather than failing the whole load.
func (s *Store) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := utils.GetLogger("resume")
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("error reading resume directory: %w", err)
	}
	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Msgf("Skipping unreadable resume record %s", entry.Name())
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Msgf("Skipping corrupt resume record %s", entry.Name())
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Prune drops records whose partial download no longer exists on disk,
// so orphaned state does not pile up across restarts.
func (s *Store) Prune() (int, error) {
	records, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	log := utils.GetLogger("resume")
	pruned := 0
	for _, rec := range records {
		if _, err := os.Stat(rec.Destination); err == nil {
			continue
		}
		if _, err := os.Stat(task.PartPath(rec.Destination)); err == nil {
			continue
		}
		if err := s.Delete(rec.ID); err != nil {
			return pruned, err
		}
		log.Debug().Msgf("Pruned orphaned resume record for %s", rec.Destination)
		pruned++
	}
	return pruned, nil
}
