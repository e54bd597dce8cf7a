package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"emalign/internal/logging"
	"emalign/internal/report"
)

func shTask(id, script string) Task {
	return Task{ID: id, Cmd: "/bin/sh", Args: []string{"-c", script}}
}

func newTestQueue(t *testing.T, opts Options, workers int) *Queue {
	t.Helper()
	q := New(logging.Discard(), opts)
	if err := q.Start(workers); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func TestFailureIsIsolated(t *testing.T) {
	q := newTestQueue(t, Options{Kind: "scale"}, 3)
	for i := 0; i < 5; i++ {
		if err := q.AddTask(shTask(fmt.Sprintf("ok-%d", i), "echo done")); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.AddTask(Task{ID: "missing", Cmd: "/nonexistent/iscale2"}); err != nil {
		t.Fatal(err)
	}

	results, sum, rep := q.CollectResults(context.Background())
	if sum.Tasks != 6 || sum.Completed != 5 || sum.Failed != 1 || sum.Queued != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if rep.Failed() != 1 || rep.Total != 6 {
		t.Fatalf("unexpected report %+v", rep)
	}
	var jf *report.JobFailure
	if !errors.As(rep.Err(), &jf) || jf.TaskID != "missing" {
		t.Fatalf("failure should be attributed to the missing task, got %v", rep.Err())
	}
	for _, r := range results {
		if r.Task.ID == "missing" {
			if r.Status != StatusError || r.RC != -1 {
				t.Fatalf("unexpected missing-task record %+v", r)
			}
			continue
		}
		if r.Status != StatusCompleted || strings.TrimSpace(r.Stdout) != "done" {
			t.Fatalf("unexpected record %+v", r)
		}
	}
	if results[5].Task.ID != "missing" {
		t.Fatalf("results should keep add order")
	}
}

func TestStartRejectsZeroWorkers(t *testing.T) {
	q := New(nil, Options{})
	err := q.Start(0)
	var re *report.ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if err := q.Start(100); err != nil {
		t.Fatalf("start after rejected call: %v", err)
	}
	if err := q.Start(2); err == nil {
		t.Fatalf("expected error starting twice")
	}
	q.Stop()
	q.Stop()
}

func TestNonZeroExitCode(t *testing.T) {
	q := newTestQueue(t, Options{}, 1)
	_ = q.AddTask(shTask("bad", "echo oops >&2; exit 3"))
	results, _, rep := q.CollectResults(context.Background())
	if results[0].RC != 3 || results[0].Status != StatusError {
		t.Fatalf("unexpected record %+v", results[0])
	}
	if !strings.Contains(rep.Err().Error(), "oops") {
		t.Fatalf("expected stderr in failure message, got %v", rep.Err())
	}
}

func TestStdinIsPassed(t *testing.T) {
	q := newTestQueue(t, Options{}, 1)
	_ = q.AddTask(Task{ID: "cat", Cmd: "/bin/sh", Args: []string{"-c", "cat"}, Stdin: "ww_32 -i 2\n"})
	results, _, _ := q.CollectResults(context.Background())
	if results[0].Stdout != "ww_32 -i 2\n" {
		t.Fatalf("stdin not forwarded, got %q", results[0].Stdout)
	}
}

func TestTimeoutKillsTask(t *testing.T) {
	q := newTestQueue(t, Options{Timeout: 100 * time.Millisecond}, 2)
	_ = q.AddTask(shTask("slow", "exec sleep 5"))
	_ = q.AddTask(shTask("fast", "true"))

	start := time.Now()
	results, sum, _ := q.CollectResults(context.Background())
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout did not kill the task")
	}
	if sum.Failed != 1 || sum.Completed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if results[0].RC != -1 || !strings.Contains(results[0].Error.Error(), "timed out") {
		t.Fatalf("unexpected slow record %+v", results[0])
	}
}

func TestCancelFailsOutstanding(t *testing.T) {
	q := newTestQueue(t, Options{}, 1)
	_ = q.AddTask(shTask("running", "exec sleep 5"))
	_ = q.AddTask(shTask("waiting", "true"))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, sum, rep := q.CollectResults(ctx)
	if time.Since(start) > 4*time.Second {
		t.Fatalf("cancel did not stop the queue")
	}
	if sum.Failed != 2 || rep.Failed() != 2 {
		t.Fatalf("expected both tasks failed, got %+v", sum)
	}
	if err := q.AddTask(shTask("late", "true")); err == nil {
		t.Fatalf("expected error adding to a stopped queue")
	}
}

func TestRetryRequeues(t *testing.T) {
	var attempts atomic.Int32
	q := newTestQueue(t, Options{Retries: 2}, 2)
	_ = q.AddTask(Task{ID: "flaky", Func: func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}})
	results, sum, _ := q.CollectResults(context.Background())
	if sum.Completed != 1 || results[0].Retries != 1 {
		t.Fatalf("expected success after one retry, got %+v", results[0])
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestCollectWithoutStart(t *testing.T) {
	q := New(nil, Options{})
	_ = q.AddTask(shTask("orphan", "true"))
	_, sum, _ := q.CollectResults(context.Background())
	if sum.Failed != 1 {
		t.Fatalf("expected orphan task to fail, got %+v", sum)
	}
}

func TestSubscribeReceivesResults(t *testing.T) {
	q := New(nil, Options{})
	ch, unsub := q.Subscribe()
	defer unsub()
	if err := q.Start(1); err != nil {
		t.Fatal(err)
	}
	_ = q.AddTask(Task{ID: "f", Func: func(context.Context) error { return nil }})

	select {
	case res := <-ch:
		if res.Task.ID != "f" || res.Status != StatusCompleted {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no result broadcast")
	}
	q.CollectResults(context.Background())
}
