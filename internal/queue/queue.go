package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/soundbank/internal/audio"
	"github.com/dgnsrekt/soundbank/internal/freesound"
)

var (
	// ErrQueueClosed is returned when operations are attempted on a
	// closed queue.
	ErrQueueClosed = errors.New("download queue is closed")
)

// State describes a task's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateCompleted
	StateFailed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task tracks one download through the queue. Priority is a plain ordering
// key (higher = served first); ties are broken by enqueue sequence, an
// explicit contract so scheduling is deterministic.
type Task struct {
	ID          int64
	Priority    int
	Attempt     int
	MaxAttempts int
	State       State
	Progress    float64 // 0..100 within the current attempt
	LastError   string

	seq uint64
}

// Progress is a snapshot of queue-wide counters.
type Progress struct {
	Total           int
	Completed       int
	Failed          int
	InFlight        int
	Pending         int
	PercentComplete float64
}

// Handlers for queue events. At most one handler per event kind.
type (
	ProgressFunc func(Progress)
	TaskDoneFunc func(id int64, buf *audio.Buffer, info *freesound.SoundInfo, err error)
	DrainedFunc  func()
)

// Options configures a Queue.
type Options struct {
	// MaxConcurrent bounds the number of in-flight downloads. Default 2.
	MaxConcurrent int

	// MinDelay is the minimum spacing between fetch-attempt start times,
	// enforced queue-wide. Default 200ms.
	MinDelay time.Duration

	// DefaultAttempts is the per-task attempt budget used by Enqueue.
	// Default 3.
	DefaultAttempts int

	// AttemptTimeout bounds a single fetch attempt so a stalled transport
	// cannot hold a concurrency slot forever. Default 60s.
	AttemptTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 2
	}
	if o.MinDelay <= 0 {
		o.MinDelay = 200 * time.Millisecond
	}
	if o.DefaultAttempts < 1 {
		o.DefaultAttempts = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 60 * time.Second
	}
}

// Queue is the bounded-concurrency download scheduler. All task-table
// mutations (de-duplication, selection, state transitions) happen under one
// mutex, so the same id is never dispatched twice and the concurrency bound
// holds for any enqueue pattern.
type Queue struct {
	client  freesound.Client
	decoder audio.Decoder

	opts    Options
	limiter *rate.Limiter

	mu        sync.Mutex
	tasks     map[int64]*Task
	seq       uint64
	inFlight  int
	completed int
	failed    int
	closed    bool

	onProgress ProgressFunc
	onTaskDone TaskDoneFunc
	onDrained  DrainedFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a download queue fetching through client and decoding with
// decoder.
func New(client freesound.Client, decoder audio.Decoder, opts Options) *Queue {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		client:  client,
		decoder: decoder,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinDelay), 1),
		tasks:   make(map[int64]*Task),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.Default().WithPrefix("queue"),
	}
}

// SetProgressHandler registers the progress observer.
func (q *Queue) SetProgressHandler(fn ProgressFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onProgress = fn
}

// SetTaskDoneHandler registers the per-task completion observer. It fires
// once per task, on success or on permanent failure.
func (q *Queue) SetTaskDoneHandler(fn TaskDoneFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTaskDone = fn
}

// SetDrainedHandler registers the observer fired when no pending or
// in-flight tasks remain.
func (q *Queue) SetDrainedHandler(fn DrainedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrained = fn
}

// Enqueue adds a download task with the default attempt budget.
func (q *Queue) Enqueue(id int64, priority int) error {
	return q.EnqueueWithRetries(id, priority, q.opts.DefaultAttempts)
}

// EnqueueWithRetries adds a download task. Enqueueing an id that is already
// pending or in-flight is a no-op: the caller attaches to the existing task.
// A previously failed id is reset and retried from scratch.
func (q *Queue) EnqueueWithRetries(id int64, priority, maxAttempts int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if maxAttempts < 1 {
		maxAttempts = q.opts.DefaultAttempts
	}

	if existing, ok := q.tasks[id]; ok {
		if existing.State == StatePending || existing.State == StateInFlight {
			q.mu.Unlock()
			return nil
		}
		// Failed task: clear its terminal record and start over.
		delete(q.tasks, id)
		q.failed--
	}

	q.seq++
	q.tasks[id] = &Task{
		ID:          id,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		State:       StatePending,
		seq:         q.seq,
	}
	q.logger.Debug("enqueued sample", "id", id, "priority", priority)

	events := q.dispatchLocked()
	q.mu.Unlock()
	events.fire()
	return nil
}

// EnqueueBulk enqueues several ids at one priority.
func (q *Queue) EnqueueBulk(ids []int64, priority int) error {
	for _, id := range ids {
		if err := q.Enqueue(id, priority); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		q.logger.Info("bulk enqueue", "count", len(ids), "priority", priority)
	}
	return nil
}

// Cancel removes a pending task. In-flight tasks cannot be interrupted and
// run to completion naturally.
func (q *Queue) Cancel(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok || task.State != StatePending {
		return false
	}
	delete(q.tasks, id)
	q.logger.Debug("cancelled pending sample", "id", id)
	return true
}

// Progress returns a snapshot of the queue counters.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked()
}

// Task returns a snapshot of a tracked task. Failed tasks remain queryable
// (with their last error) until ClearFailed.
func (q *Queue) Task(id int64) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Failed returns snapshots of all permanently failed tasks.
func (q *Queue) Failed() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, task := range q.tasks {
		if task.State == StateFailed {
			out = append(out, *task)
		}
	}
	return out
}

// ClearFailed drops terminal failure records from the task table.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	for id, task := range q.tasks {
		if task.State == StateFailed {
			delete(q.tasks, id)
			cleared++
		}
	}
	return cleared
}

// Close stops dispatching and cancels the context in-flight fetches run
// under. It waits for workers to settle.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// events collects handler invocations decided under the lock so they can be
// fired after it is released.
type events struct {
	progress ProgressFunc
	snapshot Progress

	done     TaskDoneFunc
	doneID   int64
	doneBuf  *audio.Buffer
	doneInfo *freesound.SoundInfo
	doneErr  error
	hasDone  bool

	drained DrainedFunc
}

func (e events) fire() {
	if e.hasDone && e.done != nil {
		e.done(e.doneID, e.doneBuf, e.doneInfo, e.doneErr)
	}
	if e.progress != nil {
		e.progress(e.snapshot)
	}
	if e.drained != nil {
		e.drained()
	}
}

func (q *Queue) progressLocked() Progress {
	pending := 0
	for _, task := range q.tasks {
		if task.State == StatePending {
			pending++
		}
	}
	p := Progress{
		Completed: q.completed,
		Failed:    q.failed,
		InFlight:  q.inFlight,
		Pending:   pending,
	}
	p.Total = p.Completed + p.Failed + p.InFlight + p.Pending
	if p.Total > 0 {
		p.PercentComplete = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	} else {
		p.PercentComplete = 100
	}
	return p
}

// dispatchLocked starts pending tasks while concurrency allows. Selection is
// highest priority first, then FIFO by enqueue sequence. Must be called with
// the lock held; returns the handler events to fire once it is released.
func (q *Queue) dispatchLocked() events {
	for !q.closed && q.inFlight < q.opts.MaxConcurrent {
		next := q.selectPendingLocked()
		if next == nil {
			break
		}
		next.State = StateInFlight
		next.Progress = 0
		q.inFlight++
		q.wg.Add(1)
		go q.run(next.ID)
	}
	return events{progress: q.onProgress, snapshot: q.progressLocked()}
}

func (q *Queue) selectPendingLocked() *Task {
	var best *Task
	for _, task := range q.tasks {
		if task.State != StatePending {
			continue
		}
		if best == nil ||
			task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.seq < best.seq) {
			best = task
		}
	}
	return best
}

// run performs one fetch attempt for a task. The throttle wait happens
// before the attempt starts, so consecutive attempt starts across the whole
// queue are spaced by at least MinDelay.
func (q *Queue) run(id int64) {
	defer q.wg.Done()

	if err := q.limiter.Wait(q.ctx); err != nil {
		q.settle(id, nil, nil, fmt.Errorf("throttle wait cancelled: %w", err))
		return
	}

	buf, info, err := q.fetch(id)
	q.settle(id, buf, info, err)
}

func (q *Queue) fetch(id int64) (*audio.Buffer, *freesound.SoundInfo, error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.AttemptTimeout)
	defer cancel()

	info, err := q.client.SoundInfo(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("metadata fetch failed: %w", err)
	}
	if info.PreviewURL == "" {
		return nil, nil, fmt.Errorf("sample %d: %w", id, freesound.ErrNoPreview)
	}

	raw, err := q.client.DownloadPreview(ctx, info.PreviewURL, func(loaded, total int64) {
		if total <= 0 {
			return
		}
		q.updateProgress(id, float64(loaded)/float64(total)*100)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("download failed: %w", err)
	}

	buf, err := q.decoder.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode failed: %w", err)
	}
	return buf, info, nil
}

// updateProgress records byte-level progress for an in-flight task.
func (q *Queue) updateProgress(id int64, percent float64) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.State != StateInFlight {
		q.mu.Unlock()
		return
	}
	task.Progress = percent
	handler := q.onProgress
	snapshot := q.progressLocked()
	q.mu.Unlock()

	if handler != nil {
		handler(snapshot)
	}
}

// settle applies the outcome of a fetch attempt: success completes the
// task, a transient failure requeues it with its original priority, and an
// exhausted attempt budget makes the failure permanent.
func (q *Queue) settle(id int64, buf *audio.Buffer, info *freesound.SoundInfo, fetchErr error) {
	q.mu.Lock()

	task, ok := q.tasks[id]
	if !ok || q.closed {
		q.inFlight--
		q.mu.Unlock()
		return
	}
	q.inFlight--

	var evs events
	switch {
	case fetchErr == nil:
		delete(q.tasks, id)
		q.completed++
		q.logger.Debug("sample downloaded", "id", id, "attempt", task.Attempt)
		evs = events{
			done: q.onTaskDone, doneID: id, doneBuf: buf, doneInfo: info, hasDone: true,
		}
	default:
		task.Attempt++
		task.LastError = fetchErr.Error()
		if task.Attempt < task.MaxAttempts {
			task.State = StatePending
			task.Progress = 0
			q.logger.Warn("download failed, requeueing",
				"id", id, "attempt", task.Attempt, "maxAttempts", task.MaxAttempts, "error", fetchErr)
		} else {
			task.State = StateFailed
			task.Progress = 0
			q.failed++
			q.logger.Error("download failed permanently",
				"id", id, "attempts", task.Attempt, "error", fetchErr)
			evs = events{
				done: q.onTaskDone, doneID: id, doneErr: fetchErr, hasDone: true,
			}
		}
	}

	dispatchEvs := q.dispatchLocked()
	evs.progress = dispatchEvs.progress
	evs.snapshot = dispatchEvs.snapshot

	if q.idleLocked() {
		evs.drained = q.onDrained
	}
	q.mu.Unlock()

	evs.fire()
}

// idleLocked reports whether no pending or in-flight work remains.
func (q *Queue) idleLocked() bool {
	if q.inFlight > 0 {
		return false
	}
	for _, task := range q.tasks {
		if task.State == StatePending {
			return false
		}
	}
	return true
}
