package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/fetchy-dl/fetchy/internal/config"
	"github.com/fetchy-dl/fetchy/internal/engine"
	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/resume"
	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Manager sequences persisted tasks through the orchestrator. The
// store, resume store and connection limiter are passed in rather than
// looked up, so there is exactly one of each per process.
type Manager struct {
	cfg     *config.Config
	store   *Store
	resume  *resume.Store
	client  utils.HTTPDoer
	prober  *engine.Prober
	limiter *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*engine.Orchestrator
}

func NewManager(cfg *config.Config, store *Store, resumeStore *resume.Store, client utils.HTTPDoer) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		resume:  resumeStore,
		client:  client,
		prober:  engine.NewProber(client, cfg.ProbeRetries, cfg.ProbeTimeout),
		limiter: semaphore.NewWeighted(cfg.MaxConnections),
		active:  make(map[string]*engine.Orchestrator),
	}
}

// Add appends a queued task without starting it. Adding a URL and
// destination that are already queued returns the existing task.
func (m *Manager) Add(url, destination string, threads int) (*task.Task, error) {
	t := task.New(url, destination, engine.ClampThreads(threads))
	existing, err := m.store.Get(t.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, fmt.Errorf("already queued: %s", url)
	}
	if err := m.store.Save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Remove drops the first queued task for url, cancelling it first when
// it is running.
func (m *Manager) Remove(url string) (bool, error) {
	t, err := m.store.GetByURL(url)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	m.mu.Lock()
	if orch, ok := m.active[t.ID]; ok {
		orch.Cancel()
	}
	m.mu.Unlock()
	m.resume.Delete(t.ID)
	return m.store.Delete(t.ID)
}

// List returns the queue in order.
func (m *Manager) List() ([]*task.Task, error) {
	return m.store.List()
}

// Clear removes terminal-state tasks, or everything when forced.
func (m *Manager) Clear(force bool) (int64, error) {
	return m.store.Clear(force)
}

// Info probes a URL without creating a task.
func (m *Manager) Info(ctx context.Context, url string) (*engine.ProbeInfo, error) {
	return m.prober.Probe(ctx, url)
}

// Pause requests a cooperative stop of the running task for id.
func (m *Manager) Pause(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.active[id]
	if ok {
		orch.Pause()
	}
	return ok
}

// Cancel stops the running task for id and discards its progress.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.active[id]
	if ok {
		orch.Cancel()
	}
	return ok
}

// Process walks the queue and runs every runnable task through the
// orchestrator, at most cfg.QueueConcurrency tasks at a time. Rows
// stranded mid-flight by a crash count as runnable and are picked back
// up from their resume records. The
// queue is persisted after every status transition, so a crash loses
// at most the in-flight one. Subscribe, when not nil, is called with
// each started orchestrator's snapshot channel before the download
// begins.
func (m *Manager) Process(ctx context.Context, subscribe func(*task.Task, <-chan progress.Snapshot)) error {
	tasks, err := m.store.List()
	if err != nil {
		return err
	}
	var runnable []*task.Task
	for _, t := range tasks {
		if t.Status.Runnable() {
			runnable = append(runnable, t)
		}
	}
	if len(runnable) == 0 {
		return nil
	}

	log := utils.GetLogger("queue")
	jobCh := make(chan *task.Task, len(runnable))
	for _, t := range runnable {
		jobCh <- t
	}
	close(jobCh)

	workers := m.cfg.QueueConcurrency
	if workers > len(runnable) {
		workers = len(runnable)
	}
	var wg sync.WaitGroup
	var failed sync.Map
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobCh {
				if ctx.Err() != nil {
					return
				}
				if err := m.runTask(ctx, t, subscribe); err != nil {
					failed.Store(t.ID, err)
					log.Error().Str("url", t.URL).Err(err).Msg("Queue task failed")
				}
			}
		}()
	}
	wg.Wait()

	var failures int
	failed.Range(func(_, _ any) bool {
		failures++
		return true
	})
	if failures > 0 {
		return fmt.Errorf("%d of %d queued downloads failed", failures, len(runnable))
	}
	return nil
}

// Run drives one task (not necessarily queued) through a fresh
// orchestrator, persisting transitions when the task is in the queue.
func (m *Manager) Run(ctx context.Context, t *task.Task, subscribe func(*task.Task, <-chan progress.Snapshot)) error {
	return m.runTask(ctx, t, subscribe)
}

// Resume re-runs the first queued task for url. Paused and failed tasks
// pick their recorded progress back up; completed or already running
// ones are refused.
func (m *Manager) Resume(ctx context.Context, url string, subscribe func(*task.Task, <-chan progress.Snapshot)) error {
	t, err := m.store.GetByURL(url)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("not in queue: %s", url)
	}
	if t.Status == task.StatusCompleted {
		return fmt.Errorf("already completed: %s", url)
	}
	m.mu.Lock()
	_, running := m.active[t.ID]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("already running: %s", url)
	}
	return m.runTask(ctx, t, subscribe)
}

func (m *Manager) runTask(ctx context.Context, t *task.Task, subscribe func(*task.Task, <-chan progress.Snapshot)) error {
	log := utils.GetLogger("queue")
	orch := engine.NewOrchestrator(t, m.client, m.prober, m.resume, engine.Options{
		MaxRetries:       m.cfg.MaxRetries,
		RetryBackoff:     m.cfg.RetryBackoff,
		RetryBackoffCap:  m.cfg.RetryBackoffCap,
		ProgressInterval: m.cfg.ProgressInterval,
		ConnLimiter:      m.limiter,
		OnTransition: func(t *task.Task) {
			if err := m.store.Save(t); err != nil {
				log.Warn().Err(err).Msg("Failed to persist status transition")
			}
		},
	})

	m.mu.Lock()
	m.active[t.ID] = orch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, t.ID)
		m.mu.Unlock()
	}()

	if subscribe != nil {
		subscribe(t, orch.Subscribe())
	}
	return orch.Start(ctx)
}
