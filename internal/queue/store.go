package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	destination TEXT NOT NULL,
	status TEXT NOT NULL,
	total_size INTEGER NOT NULL DEFAULT 0,
	accepts_ranges INTEGER NOT NULL DEFAULT 0,
	validator TEXT NOT NULL DEFAULT '{}',
	thread_count INTEGER NOT NULL DEFAULT 4,
	chunks TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_position ON queue_items(position);
`

// Store persists the ordered task queue in sqlite. Positions are
// monotonic, so ordering survives restarts. All writes go through one
// Store with a mutex, keeping the single-writer discipline.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a task. An existing row keeps its queue position; a new
// row is appended at the tail.
func (s *Store) Save(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	validatorJSON, err := json.Marshal(t.Validator)
	if err != nil {
		return fmt.Errorf("failed to encode validator: %w", err)
	}
	chunksJSON, err := json.Marshal(t.Chunks)
	if err != nil {
		return fmt.Errorf("failed to encode chunks: %w", err)
	}
	if t.Chunks == nil {
		chunksJSON = []byte("[]")
	}

	query := `INSERT OR REPLACE INTO queue_items
		(id, position, url, destination, status, total_size, accepts_ranges, validator, thread_count, chunks, last_error, created_at, updated_at)
		VALUES (?,
			COALESCE((SELECT position FROM queue_items WHERE id = ?),
				(SELECT COALESCE(MAX(position), 0) + 1 FROM queue_items)),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query,
		t.ID, t.ID,
		t.URL,
		t.Destination,
		string(t.Status),
		t.TotalSize,
		boolToInt(t.AcceptsRanges),
		string(validatorJSON),
		t.ThreadCount,
		string(chunksJSON),
		t.LastError,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns every task in queue order. Rows that fail to decode are
// skipped with a warning instead of aborting the whole queue.
func (s *Store) List() ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, url, destination, status, total_size, accepts_ranges, validator, thread_count, chunks, last_error, created_at, updated_at
		FROM queue_items ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue: %w", err)
	}
	defer rows.Close()

	log := utils.GetLogger("queue")
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping corrupt queue entry")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get returns the task with the given id, or nil when absent.
func (s *Store) Get(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, url, destination, status, total_size, accepts_ranges, validator, thread_count, chunks, last_error, created_at, updated_at
		FROM queue_items WHERE id = ? LIMIT 1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// GetByURL returns the first queued task for url, or nil.
func (s *Store) GetByURL(url string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, url, destination, status, total_size, accepts_ranges, validator, thread_count, chunks, last_error, created_at, updated_at
		FROM queue_items WHERE url = ? ORDER BY position ASC LIMIT 1`, url)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// Delete removes the task with the given id and reports whether a row
// existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes terminal-state tasks; with force it removes everything.
// Returns the number of rows removed.
func (s *Store) Clear(force bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		res sql.Result
		err error
	)
	if force {
		res, err = s.db.Exec(`DELETE FROM queue_items`)
	} else {
		res, err = s.db.Exec(`DELETE FROM queue_items WHERE status IN (?, ?, ?)`,
			string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t             task.Task
		status        string
		acceptsRanges int
		validatorJSON string
		chunksJSON    string
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&t.ID, &t.URL, &t.Destination, &status, &t.TotalSize, &acceptsRanges,
		&validatorJSON, &t.ThreadCount, &chunksJSON, &t.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.AcceptsRanges = acceptsRanges != 0
	if err := json.Unmarshal([]byte(validatorJSON), &t.Validator); err != nil {
		return nil, fmt.Errorf("%w: bad validator for %s: %v", task.ErrQueueCorrupt, t.ID, err)
	}
	if err := json.Unmarshal([]byte(chunksJSON), &t.Chunks); err != nil {
		return nil, fmt.Errorf("%w: bad chunks for %s: %v", task.ErrQueueCorrupt, t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("%w: bad created_at for %s: %v", task.ErrQueueCorrupt, t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("%w: bad updated_at for %s: %v", task.ErrQueueCorrupt, t.ID, err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
