package report

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a missing precondition for a whole run.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ResourceError reports an unusable resource request such as a worker count below one.
type ResourceError struct {
	Msg string
}

func (e *ResourceError) Error() string { return "resource: " + e.Msg }

// IOFailure is a per-file failure (link, copy, resample, write).
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error { return e.Err }

// CorrelationFailure records a layer whose alignment produced no usable transform.
type CorrelationFailure struct {
	Layer int
	Err   error
}

func (e *CorrelationFailure) Error() string {
	return fmt.Sprintf("layer %d: correlation failed: %v", e.Layer, e.Err)
}

func (e *CorrelationFailure) Unwrap() error { return e.Err }

// JobFailure records a TaskQueue job that exited non-zero or failed to start.
type JobFailure struct {
	TaskID string
	RC     int
	Stderr string
	Err    error
}

func (e *JobFailure) Error() string {
	msg := fmt.Sprintf("task %s failed (rc=%d)", e.TaskID, e.RC)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *JobFailure) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Report aggregates per-item outcomes for one run.
type Report struct {
	Kind     string // images, layers, jobs
	Total    int
	Failures []error
}

// New returns an empty report for items of the given kind.
func New(kind string) Report {
	return Report{Kind: kind}
}

// Add counts one item; a non-nil err marks it failed.
func (r *Report) Add(err error) {
	r.Total++
	if err != nil {
		r.Failures = append(r.Failures, err)
	}
}

// Fail records a failure for an item that was already counted.
func (r *Report) Fail(err error) {
	if err != nil {
		r.Failures = append(r.Failures, err)
	}
}

// Merge folds other into r.
func (r *Report) Merge(other Report) {
	r.Total += other.Total
	r.Failures = append(r.Failures, other.Failures...)
}

// Failed returns the number of failed items.
func (r Report) Failed() int { return len(r.Failures) }

// OK reports whether every item succeeded.
func (r Report) OK() bool { return len(r.Failures) == 0 }

// Err joins all failures, or returns nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return errors.Join(r.Failures...)
}

// Summary renders "N of M <kind> failed".
func (r Report) Summary() string {
	kind := r.Kind
	if kind == "" {
		kind = "items"
	}
	if r.OK() {
		return fmt.Sprintf("all %d %s succeeded", r.Total, kind)
	}
	verb := "failed"
	if kind == "layers" {
		verb = "failed to align"
	}
	return fmt.Sprintf("%d of %d %s %s", r.Failed(), r.Total, kind, verb)
}
