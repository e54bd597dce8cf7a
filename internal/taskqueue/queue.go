// Package taskqueue runs independent jobs on a fixed pool of workers.
// Jobs are external commands or in-process functions; each one's outcome
// is recorded on its own, so one failure never stops its siblings.
package taskqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"emalign/internal/config"
	"emalign/internal/logging"
	"emalign/internal/report"
	"emalign/internal/storage"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "task_error"
)

// Task describes one job. Either Cmd or Func is set; Func runs in-process
// on a worker and receives the task's deadline through ctx.
type Task struct {
	ID    string
	RunID string
	Cmd   string
	Args  []string
	Dir   string
	Stdin string
	Func  func(ctx context.Context) error
}

func (t Task) describe() string {
	if t.Func != nil && t.Cmd == "" {
		return "func"
	}
	return t.Cmd
}

// Result is the recorded outcome of a task.
type Result struct {
	Task    Task
	Status  Status
	Stdout  string
	Stderr  string
	RC      int
	Retries int
	Elapsed time.Duration
	Error   error
}

// Summary counts the tasks a queue has seen.
type Summary struct {
	Tasks     int
	Completed int
	Queued    int
	Failed    int
	Elapsed   time.Duration
}

// Runner executes external commands. The default uses os/exec.
type Runner interface {
	Run(ctx context.Context, t Task) (stdout, stderr string, rc int, err error)
}

// Options tune a queue.
type Options struct {
	Kind    string        // label used in logs ("scale", "generate")
	Timeout time.Duration // per attempt; 0 disables
	Retries int
	Store   *storage.Store
	Runner  Runner
}

// Queue is a worker pool with an unbounded FIFO backlog.
type Queue struct {
	log  *slog.Logger
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond
	backlog     []*Result
	records     []*Result
	outstanding int
	started     bool
	closed      bool
	aborted     error
	startedAt   time.Time

	wg        sync.WaitGroup
	stopOnce  sync.Once
	subs      map[int]chan Result
	nextSubID int
}

// New returns a queue. Workers start with Start.
func New(logger *slog.Logger, opts Options) *Queue {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Kind == "" {
		opts.Kind = "task"
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:    logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan Result),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches n workers, clamped to config.MaxWorkers.
func (q *Queue) Start(n int) error {
	if n < 1 {
		return &report.ResourceError{Msg: fmt.Sprintf("worker count must be at least 1, got %d", n)}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return &report.ResourceError{Msg: "queue already started"}
	}
	if q.closed {
		return &report.ResourceError{Msg: "queue is stopped"}
	}
	n = config.ClampWorkers(n)
	q.started = true
	q.startedAt = time.Now()
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.log.Debug("task queue started", "kind", q.opts.Kind, "workers", n)
	return nil
}

// AddTask enqueues t and returns immediately.
func (q *Queue) AddTask(t Task) error {
	if t.Cmd == "" && t.Func == nil {
		return errors.New("task has neither a command nor a function")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("task queue is stopped")
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("%s-%d", q.opts.Kind, len(q.records)+1)
	}
	rec := &Result{Task: t, Status: StatusQueued}
	q.records = append(q.records, rec)
	q.outstanding++
	if q.aborted != nil {
		q.failLocked(rec, q.aborted)
		q.mu.Unlock()
		return nil
	}
	q.backlog = append(q.backlog, rec)
	queueDepth.Inc()
	q.cond.Broadcast()
	q.mu.Unlock()

	_ = q.opts.Store.RecordTaskQueued(storage.TaskRecord{
		ID: t.ID, RunID: t.RunID, Cmd: t.describe(), Args: t.Args, Dir: t.Dir,
	})
	return nil
}

// CollectResults waits until every added task has settled, then stops the
// workers. Cancelling ctx kills running commands and fails the backlog.
// Results are returned in the order tasks were added.
func (q *Queue) CollectResults(ctx context.Context) ([]Result, Summary, report.Report) {
	stop := context.AfterFunc(ctx, func() { q.abort(ctx.Err()) })
	defer stop()

	q.mu.Lock()
	if !q.started && q.outstanding > 0 {
		// Nothing will ever drain the backlog.
		q.abortLocked(&report.ResourceError{Msg: "queue was never started"})
	}
	for q.outstanding > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()

	q.Stop()
	return q.snapshot()
}

// Stop tears the workers down. Tasks still waiting are failed. It is safe
// to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		if q.outstanding > 0 {
			q.abortLocked(errors.New("task queue stopped"))
		}
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()

		q.wg.Wait()
		q.cancel()

		q.mu.Lock()
		for id, ch := range q.subs {
			close(ch)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	})
}

// Summary reports the current counts without waiting.
func (q *Queue) Summary() Summary {
	_, s, _ := q.snapshot()
	return s
}

func (q *Queue) snapshot() ([]Result, Summary, report.Report) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rep := report.New("jobs")
	out := make([]Result, len(q.records))
	s := Summary{Tasks: len(q.records)}
	if !q.startedAt.IsZero() {
		s.Elapsed = time.Since(q.startedAt)
	}
	for i, r := range q.records {
		out[i] = *r
		switch r.Status {
		case StatusCompleted:
			s.Completed++
			rep.Add(nil)
		case StatusError:
			s.Failed++
			rep.Add(r.Error)
		default:
			s.Queued++
		}
	}
	return out, s, rep
}

func (q *Queue) abort(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abortLocked(err)
}

// abortLocked fails every waiting task and cancels running ones. q.mu held.
func (q *Queue) abortLocked(err error) {
	if q.aborted == nil {
		q.aborted = err
	}
	for _, rec := range q.backlog {
		queueDepth.Dec()
		q.failLocked(rec, err)
	}
	q.backlog = nil
	q.cancel()
	q.cond.Broadcast()
}

func (q *Queue) failLocked(rec *Result, err error) {
	rec.Status = StatusError
	rec.RC = -1
	rec.Error = &report.JobFailure{TaskID: rec.Task.ID, RC: -1, Err: err}
	q.outstanding--
	tasksTotal.WithLabelValues(string(StatusError)).Inc()
	_ = q.opts.Store.RecordTaskResult(rec.Task.ID, string(StatusError), -1, "", "", nil, err.Error())
	q.broadcastLocked(*rec)
}

func (q *Queue) next() *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.backlog) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.backlog) == 0 {
		return nil
	}
	rec := q.backlog[0]
	q.backlog[0] = nil
	q.backlog = q.backlog[1:]
	queueDepth.Dec()
	rec.Status = StatusRunning
	return rec
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		rec := q.next()
		if rec == nil {
			return
		}
		q.run(rec)
	}
}

func (q *Queue) run(rec *Result) {
	t := rec.Task
	start := time.Now()
	logging.LogJobStart(q.log, q.opts.Kind, t.ID, t.describe(), t.Args)
	_ = q.opts.Store.RecordTaskStart(t.ID, rec.Retries)

	ctx := q.ctx
	var cancel context.CancelFunc = func() {}
	if q.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
	}
	stdout, stderr, rc, err := q.execute(ctx, t)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		rc = -1
		err = fmt.Errorf("timed out after %s: %w", q.opts.Timeout, err)
	}
	cancel()
	elapsed := time.Since(start)
	taskDuration.Observe(elapsed.Seconds())

	q.mu.Lock()
	rec.Stdout, rec.Stderr, rec.RC = stdout, stderr, rc
	rec.Elapsed += elapsed

	if err != nil && rec.Retries < q.opts.Retries && q.aborted == nil && !q.closed {
		rec.Retries++
		rec.Status = StatusQueued
		q.backlog = append(q.backlog, rec)
		queueDepth.Inc()
		q.cond.Broadcast()
		q.mu.Unlock()
		q.log.Info("retrying task", "kind", q.opts.Kind, "id", t.ID, "attempt", rec.Retries+1, "error", err)
		return
	}

	status := StatusCompleted
	if err != nil {
		status = StatusError
		rec.Error = &report.JobFailure{TaskID: t.ID, RC: rc, Stderr: stderr, Err: err}
	}
	rec.Status = status
	q.outstanding--
	res := *rec
	q.broadcastLocked(res)
	q.cond.Broadcast()
	q.mu.Unlock()

	tasksTotal.WithLabelValues(string(status)).Inc()
	meta := map[string]any{"dt": elapsed.Seconds(), "retries": res.Retries}
	if err != nil {
		logging.LogJobError(q.log, q.opts.Kind, t.ID, elapsed, err, map[string]any{
			"cmd": t.describe(), "args": t.Args, "rc": rc,
		})
		_ = q.opts.Store.RecordTaskResult(t.ID, string(status), rc, stdout, stderr, meta, err.Error())
		return
	}
	logging.LogJobComplete(q.log, q.opts.Kind, t.ID, elapsed, meta)
	_ = q.opts.Store.RecordTaskResult(t.ID, string(status), rc, stdout, stderr, meta, "")
}

func (q *Queue) execute(ctx context.Context, t Task) (string, string, int, error) {
	if t.Func != nil {
		if err := t.Func(ctx); err != nil {
			return "", "", 1, err
		}
		return "", "", 0, nil
	}
	return q.opts.Runner.Run(ctx, t)
}

// Subscribe returns a channel for receiving task results and an unsubscribe function.
func (q *Queue) Subscribe() (<-chan Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan Result, 16)
	q.subs[id] = ch
	unsub := func() {
		q.mu.Lock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	}
	return ch, unsub
}

func (q *Queue) broadcastLocked(res Result) {
	for id, ch := range q.subs {
		select {
		case ch <- res:
		default:
			q.log.Warn("result channel full", "subscriber", id, "task", res.Task.ID)
		}
	}
}

// ExecRunner runs tasks as OS processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, t Task) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, t.Cmd, t.Args...)
	cmd.Dir = t.Dir
	if t.Stdin != "" {
		cmd.Stdin = strings.NewReader(t.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), err
	}
	return stdout.String(), stderr.String(), -1, err
}
