package report

import (
	"errors"
	"os"
	"testing"
)

func TestReportSummary(t *testing.T) {
	r := New("layers")
	r.Add(nil)
	r.Add(&CorrelationFailure{Layer: 2, Err: errors.New("no peak")})
	r.Add(nil)

	if r.Total != 3 || r.Failed() != 1 {
		t.Fatalf("expected 1 of 3 failed, got %d of %d", r.Failed(), r.Total)
	}
	if got := r.Summary(); got != "1 of 3 layers failed to align" {
		t.Fatalf("unexpected summary %q", got)
	}

	ok := New("jobs")
	ok.Add(nil)
	if ok.Err() != nil {
		t.Fatalf("expected nil error for clean report")
	}
	if got := ok.Summary(); got != "all 1 jobs succeeded" {
		t.Fatalf("unexpected summary %q", got)
	}
}

func TestFailuresUnwrap(t *testing.T) {
	r := New("images")
	r.Add(&IOFailure{Op: "link", Path: "/x", Err: os.ErrPermission})

	if !errors.Is(r.Err(), os.ErrPermission) {
		t.Fatalf("expected joined error to wrap ErrPermission")
	}
	var ioErr *IOFailure
	if !errors.As(r.Err(), &ioErr) || ioErr.Path != "/x" {
		t.Fatalf("expected IOFailure for /x, got %v", r.Err())
	}
}

func TestJobFailureMessage(t *testing.T) {
	err := &JobFailure{TaskID: "t1", RC: 2, Stderr: "warning\nboom\n"}
	if got := err.Error(); got != "task t1 failed (rc=2): boom" {
		t.Fatalf("unexpected message %q", got)
	}
}
