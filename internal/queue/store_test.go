package queue

import (
	"path/filepath"
	"testing"

	"github.com/fetchy-dl/fetchy/internal/task"
)

func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreOrderSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	s := newTestStore(t, dbPath)

	urls := []string{
		"https://example.com/first.bin",
		"https://example.com/second.bin",
		"https://example.com/third.bin",
	}
	for _, u := range urls {
		if err := s.Save(task.New(u, "", 4)); err != nil {
			t.Fatalf("Save(%s): %v", u, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestStore(t, dbPath)
	tasks, err := reopened.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks after reopen, want 3", len(tasks))
	}
	for i, u := range urls {
		if tasks[i].URL != u {
			t.Errorf("position %d holds %s, want %s", i, tasks[i].URL, u)
		}
		if tasks[i].Status != task.StatusQueued {
			t.Errorf("position %d status = %s, want queued", i, tasks[i].Status)
		}
	}
}

func TestStoreSaveKeepsPosition(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	first := task.New("https://example.com/a.bin", "", 4)
	second := task.New("https://example.com/b.bin", "", 4)
	for _, tk := range []*task.Task{first, second} {
		if err := s.Save(tk); err != nil {
			t.Fatal(err)
		}
	}

	// Updating the first task must not move it behind the second.
	first.Status = task.StatusDownloading
	first.TotalSize = 12345
	if err := s.Save(first); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].ID != first.ID {
		t.Error("updated task lost its queue position")
	}
	if tasks[0].Status != task.StatusDownloading || tasks[0].TotalSize != 12345 {
		t.Errorf("update not persisted: %s %d", tasks[0].Status, tasks[0].TotalSize)
	}
}

func TestStoreRoundTripFields(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	tk := task.New("https://example.com/full.bin", "out/full.bin", 8)
	tk.Status = task.StatusPaused
	tk.TotalSize = 1000000
	tk.AcceptsRanges = true
	tk.Validator = task.Validator{ETag: `"tag"`, LastModified: "mod", ContentLength: 1000000}
	tk.Chunks = []task.Chunk{
		{Index: 0, Start: 0, End: 500000, Downloaded: 250000, Status: task.ChunkPending, RetryCount: 2},
		{Index: 1, Start: 500000, End: 1000000, Downloaded: 500000, Status: task.ChunkDone},
	}
	tk.LastError = "it broke once"
	if err := s.Save(tk); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for a saved task")
	}
	if got.Status != task.StatusPaused || !got.AcceptsRanges || got.TotalSize != 1000000 {
		t.Errorf("core fields mismatch: %+v", got)
	}
	if got.Validator != tk.Validator {
		t.Errorf("validator mismatch: %+v", got.Validator)
	}
	if len(got.Chunks) != 2 || got.Chunks[0] != tk.Chunks[0] || got.Chunks[1] != tk.Chunks[1] {
		t.Errorf("chunks mismatch: %+v", got.Chunks)
	}
	if got.LastError != tk.LastError {
		t.Errorf("LastError = %q", got.LastError)
	}
	if !got.CreatedAt.Equal(tk.CreatedAt) || !got.UpdatedAt.Equal(tk.UpdatedAt) {
		t.Errorf("timestamps drifted: %v %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	got, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("Get returned a task for an unknown id")
	}
	got, err = s.GetByURL("https://example.com/nope")
	if err != nil || got != nil {
		t.Fatalf("GetByURL = %v, %v; want nil, nil", got, err)
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	tk := task.New("https://example.com/del.bin", "", 4)
	if err := s.Save(tk); err != nil {
		t.Fatal(err)
	}
	existed, err := s.Delete(tk.ID)
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v; want true, nil", existed, err)
	}
	existed, err = s.Delete(tk.ID)
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v; want false, nil", existed, err)
	}
}

func TestStoreClear(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	statuses := []task.Status{
		task.StatusQueued, task.StatusPaused, task.StatusDownloading,
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}
	for i, status := range statuses {
		tk := task.New("https://example.com/clear"+string(rune('a'+i))+".bin", "", 4)
		tk.Status = status
		if err := s.Save(tk); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Clear(false)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Errorf("Clear removed %d rows, want 3 terminal ones", removed)
	}
	tasks, _ := s.List()
	for _, tk := range tasks {
		if tk.Status.Terminal() {
			t.Errorf("terminal task %s survived Clear", tk.ID)
		}
	}

	removed, err = s.Clear(true)
	if err != nil {
		t.Fatalf("Clear force: %v", err)
	}
	if removed != 3 {
		t.Errorf("forced Clear removed %d rows, want 3", removed)
	}
	if tasks, _ := s.List(); len(tasks) != 0 {
		t.Errorf("%d tasks survived a forced Clear", len(tasks))
	}
}

func TestStoreListDropsCorruptRows(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	good := task.New("https://example.com/good.bin", "", 4)
	bad := task.New("https://example.com/bad.bin", "", 4)
	for _, tk := range []*task.Task{good, bad} {
		if err := s.Save(tk); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.db.Exec(`UPDATE queue_items SET chunks = '{{{' WHERE id = ?`, bad.ID); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	tasks, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (corrupt dropped)", len(tasks))
	}
	if tasks[0].ID != good.ID {
		t.Errorf("surviving task is %s, want %s", tasks[0].ID, good.ID)
	}
}
