package cli

import (
	"context"
	"fmt"
	"sync"

	"emalign/internal/grpcserver"
	"emalign/internal/server"
	"emalign/internal/taskqueue"
	"emalign/internal/watch"
)

// launcher runs HTTP-submitted requests against the project file. Only
// one run at a time is accepted by the server.
func (r *Root) launcher(projectFile string) server.Launcher {
	return func(ctx context.Context, runID string, req server.RunRequest, observe func(*taskqueue.Queue)) (string, error) {
		switch req.Stage {
		case "scale":
			return r.cmdScale(ctx, runID, projectFile, "", "", observe)
		case "align":
			count := -1
			if req.Count != nil {
				count = *req.Count
			}
			return r.cmdAlign(ctx, projectFile, alignArgs{
				RunID:          runID,
				Scale:          req.Scale,
				Option:         req.Option,
				Start:          req.Start,
				Count:          count,
				GenerateImages: req.Images,
			}, observe)
		default:
			return "", fmt.Errorf("unknown stage %q", req.Stage)
		}
	}
}

// cmdServe runs the HTTP server, the gRPC health service and, when a
// project is given, the project watcher until ctx is cancelled.
func (r *Root) cmdServe(ctx context.Context, addr, grpcAddr, projectFile string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := server.Options{Addr: addr, Store: r.store, Logger: r.log}
	if projectFile != "" {
		opts.Launch = r.launcher(projectFile)
	}
	srv := server.New(opts)
	health := grpcserver.New(r.log)

	if projectFile != "" {
		p, err := r.loadProject(projectFile)
		srv.SetProject(projectFile, p, err)
		health.SetServing(grpcserver.ServiceProject, err == nil)

		w, err := watch.New(projectFile, r.defaults(), r.log)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		go func() {
			for ev := range w.Events {
				srv.SetProject(ev.Path, ev.Project, ev.Err)
				health.SetServing(grpcserver.ServiceProject, ev.Err == nil)
			}
		}()
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	if grpcAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Serve(ctx, grpcAddr); err != nil {
				errs <- fmt.Errorf("grpc: %w", err)
				cancel()
			}
		}()
	}
	err := srv.Start(ctx)
	cancel()
	wg.Wait()
	close(errs)
	if err != nil {
		return err
	}
	return <-errs
}
