package storage

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "emalign.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordRunStart(RunRecord{ID: "align-1", Stage: "align", Project: "/p.json", Scale: "scale_4"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunStart(RunRecord{ID: "scale-2", Stage: "scale"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunResult("align-1", "completed", 10, 1, "1 of 10 layers failed to align"); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "scale-2" {
		t.Fatalf("expected newest run first, got %s", runs[0].ID)
	}
	align := runs[1]
	if align.Status != "completed" || align.Failed != 1 || align.Total != 10 || align.CompletedAt == nil {
		t.Fatalf("unexpected run record %+v", align)
	}
	if runs[0].Status != "running" || runs[0].CompletedAt != nil {
		t.Fatalf("unexpected open run %+v", runs[0])
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordTaskQueued(TaskRecord{ID: "t1", RunID: "r1", Cmd: "iscale2", Args: []string{"+2", "of=out.tif", "in.tif"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTaskQueued(TaskRecord{ID: "t2", RunID: "r1", Cmd: "iscale2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTaskStart("t1", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTaskResult("t1", "task_error", 2, "", "boom", map[string]any{"dt": 0.5}, "exit status 2"); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.RunTasks("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if tasks[0].RC != 2 || tasks[0].Status != "task_error" || len(tasks[0].Args) != 3 {
		t.Fatalf("unexpected first task %+v", tasks[0])
	}
	if tasks[1].Status != "queued" || tasks[1].StartedAt != nil {
		t.Fatalf("unexpected second task %+v", tasks[1])
	}

	_, stderr, err := s.TaskOutput("t1")
	if err != nil || stderr != "boom" {
		t.Fatalf("expected stderr boom, got %q %v", stderr, err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart(RunRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordTaskResult("x", "completed", 0, "", "", nil, ""); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}
