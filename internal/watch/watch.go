// Package watch reloads a project file when it changes on disk.
package watch

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"emalign/internal/logging"
	"emalign/internal/project"
)

// Debounce is how long the watcher waits for writes to settle.
const Debounce = 200 * time.Millisecond

// Reload is the outcome of re-reading the project file.
type Reload struct {
	Path    string
	Op      string // created, modified, deleted, renamed
	Project *project.Project
	Err     error
	Time    time.Time
}

// Watcher monitors a single project file. The parent directory is
// watched because Save replaces the file with a rename.
type Watcher struct {
	path     string
	defaults project.Defaults
	log      *slog.Logger
	watcher  *fsnotify.Watcher
	Events   chan Reload

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for the project at path.
func New(path string, d project.Defaults, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{
		path:     abs,
		defaults: d,
		log:      log,
		watcher:  fw,
		Events:   make(chan Reload, 16),
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.log.Info("watching project", "path", w.path)
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.Events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending string
	)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			op := operation(event.Op)
			if op == "" || filepath.Clean(event.Name) != w.path {
				continue
			}
			pending = op
			if timer == nil {
				timer = time.NewTimer(Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.emit(w.reload(pending))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("project watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload(op string) Reload {
	r := Reload{Path: w.path, Op: op, Time: time.Now()}
	p, err := project.Load(w.path, w.defaults)
	if err != nil {
		r.Err = err
		w.log.Warn("project reload failed", "path", w.path, "op", r.Op, "error", err)
		return r
	}
	r.Project = p
	w.log.Info("project reloaded", "path", w.path, "op", r.Op, "layers", p.NumLayers())
	return r
}

func (w *Watcher) emit(r Reload) {
	select {
	case w.Events <- r:
	default:
		w.log.Warn("reload buffer full, dropping event", "path", w.path)
	}
}

// operation maps an fsnotify op to a name; chmod-only changes are ignored.
func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
