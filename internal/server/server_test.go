package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"emalign/internal/project"
	"emalign/internal/storage"
	"emalign/internal/taskqueue"
)

func newTestServer(t *testing.T, launch Launcher) (*Server, *httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	s := New(Options{Store: store, Launch: launch})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, store
}

func runQueue(t *testing.T, s *Server, id string) {
	t.Helper()
	q := taskqueue.New(nil, taskqueue.Options{Kind: "test"})
	s.Observe(q)
	if err := q.Start(1); err != nil {
		t.Fatal(err)
	}
	if err := q.AddTask(taskqueue.Task{ID: id, RunID: "run-1", Func: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	q.CollectResults(context.Background())
}

func waitFor(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestHealthAndRuns(t *testing.T) {
	_, ts, store := newTestServer(t, nil)
	if err := store.RecordRunStart(storage.RunRecord{ID: "align-1", Stage: "align", Scale: "scale_4"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/runs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []storage.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "align-1" || runs[0].Scale != "scale_4" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	bad, err := http.Get(ts.URL + "/runs?limit=x")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", bad.StatusCode)
	}
}

func TestRunTasksUsesRouteTemplateMetric(t *testing.T) {
	_, ts, store := newTestServer(t, nil)
	if err := store.RecordTaskQueued(storage.TaskRecord{ID: "t1", RunID: "r1", Cmd: "swim", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/runs/r1/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var tasks []storage.TaskRecord
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Cmd != "swim" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	metrics, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metrics.Body.Close()
	text, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(text), `emalign_http_requests_total{path="/runs/{id}/tasks"}`) {
		t.Fatal("request not counted under the route template")
	}
	if strings.Contains(string(text), `path="/runs/r1/tasks"`) {
		t.Fatal("raw paths must not become metric labels")
	}
}

func TestProjectSummary(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/project")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before a project is loaded, got %d", resp.StatusCode)
	}

	events, unsubscribe := s.Hub().Subscribe()
	defer unsubscribe()

	p := project.New(t.TempDir())
	p.AddImages([]string{"/data/a.tif", "/data/b.tif"})
	if err := p.SetScales([]int{1, 4}); err != nil {
		t.Fatal(err)
	}
	s.SetProject("/data/project.json", p, nil)
	if ev := waitFor(t, events, "project_reloaded"); ev.Project == nil || ev.Project.Layers != 2 {
		t.Fatalf("unexpected reload event %+v", ev)
	}

	resp, err = http.Get(ts.URL + "/project")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sum ProjectSummary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if len(sum.Scales) != 2 || sum.Scales[0].Key != "scale_1" || !sum.Scales[1].Ready || sum.Scales[0].Ready {
		t.Fatalf("unexpected summary %+v", sum)
	}

	s.SetProject("/data/project.json", nil, errors.New("decode failed"))
	if ev := waitFor(t, events, "project_reloaded"); ev.Error != "decode failed" {
		t.Fatalf("reload errors should be reported, got %+v", ev)
	}
}

func TestStreamDeliversTaskResults(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	runQueue(t, s, "scale_2/0")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
				return
			}
		}
	}()
	select {
	case line := <-lines:
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Task == nil || ev.Task.ID != "scale_2/0" || ev.Task.Status != "completed" || ev.RunID != "run-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event on the stream")
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	s.Hub().Publish(Event{Type: "run_started", RunID: "align-7"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "run_started" || ev.RunID != "align-7" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStartRun(t *testing.T) {
	launched := make(chan RunRequest, 1)
	launch := func(ctx context.Context, runID string, req RunRequest, observe func(*taskqueue.Queue)) (string, error) {
		launched <- req
		return "all 3 layers succeeded", nil
	}
	s, ts, _ := newTestServer(t, launch)
	events, unsubscribe := s.Hub().Subscribe()
	defer unsubscribe()

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"stage":"align","scale":4,"option":"init_affine"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !strings.HasPrefix(body["run_id"], "align-") {
		t.Fatalf("unexpected body %v %v", body, err)
	}

	req := <-launched
	if req.Scale != 4 || req.Option != "init_affine" {
		t.Fatalf("unexpected request %+v", req)
	}
	ev := waitFor(t, events, "run_finished")
	if ev.RunID != body["run_id"] || ev.Summary != "all 3 layers succeeded" {
		t.Fatalf("unexpected finish event %+v", ev)
	}
}

func TestStartRunRejects(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"stage":"align"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a launcher, got %d", resp.StatusCode)
	}

	noop := func(context.Context, string, RunRequest, func(*taskqueue.Queue)) (string, error) { return "", nil }
	_, ts2, _ := newTestServer(t, noop)
	resp, err = http.Post(ts2.URL+"/runs", "application/json", strings.NewReader(`{"stage":"warp"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown stage, got %d", resp.StatusCode)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
