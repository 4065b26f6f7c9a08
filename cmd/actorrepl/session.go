package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/catalog"
	"github.com/rivet-gg/actorrepl/config"
	"github.com/rivet-gg/actorrepl/highlight"
	"github.com/rivet-gg/actorrepl/internal/logging"
	"github.com/rivet-gg/actorrepl/metrics"
	"github.com/rivet-gg/actorrepl/sandbox"
	"github.com/rivet-gg/actorrepl/store"
	"github.com/rivet-gg/actorrepl/transform"
	"github.com/rivet-gg/actorrepl/transport"
	"github.com/rivet-gg/actorrepl/worker"
)

// newWorker builds a worker from the configuration.
func newWorker(cfg config.Config, m *metrics.Metrics, logger *logging.Logger) (*worker.Worker, error) {
	evaluator, err := sandbox.New(sandbox.Config{
		MaxDuration: cfg.MaxEvalDuration,
		// Type stripping reprints the snippet, so only JavaScript keeps
		// meaningful positions.
		StackPositions: transform.Language(cfg.Language) == transform.JavaScript,
	})
	if err != nil {
		return nil, err
	}
	return worker.New(worker.Config{
		Resolver: actor.NewManager(actor.ManagerConfig{
			Logger: logger.WithComponent("actor"),
		}),
		Highlighter:    highlight.New(highlight.Options{Language: cfg.Language, Theme: cfg.Theme}),
		Transformer:    transform.New(transform.Options{Language: transform.Language(cfg.Language)}),
		Evaluator:      evaluator,
		ConnectTimeout: cfg.ConnectTimeout,
		Metrics:        m,
		Logger:         logger.WithComponent("worker"),
	})
}

// session is a store connected either to an in-process worker or to a
// remote one served by "actorrepl serve".
type session struct {
	*store.Store

	conn   transport.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openSession connects a store to a worker. An empty remote runs the
// worker in process.
func openSession(ctx context.Context, cfg config.Config, remote string, logger *logging.Logger) (*session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}

	if remote != "" {
		conn, err := transport.Dial(ctx, remote)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect to worker %s: %w", remote, err)
		}
		s.conn = conn
	} else {
		w, err := newWorker(cfg, nil, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		ui, backend := transport.Pipe(0)
		s.conn = ui
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Serve(ctx, backend); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("worker stopped", "error", err)
			}
		}()
	}

	s.Store = store.New(s.conn, store.WithLogger(logger.WithComponent("store")))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("store stopped", "error", err)
		}
	}()
	return s, nil
}

// Close stops the session and waits for its goroutines.
func (s *session) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// target is the actor a command runs against.
type target struct {
	actorID string
	rpcs    []string
}

// targetFlags are the flags selecting a target.
type targetFlags struct {
	actor   string
	actorID string
	rpcs    []string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.actor, "actor", "a", "", "Actor name from the configuration")
	cmd.Flags().StringVar(&f.actorID, "actor-id", "", "Actor id to connect to")
	cmd.Flags().StringSliceVarP(&f.rpcs, "rpc", "r", nil, "RPC name to bind (repeatable)")
}

// resolve combines the flags with the catalog. Explicit --rpc names are
// added to the actor's configured ones.
func (f *targetFlags) resolve(cat *catalog.Catalog) (target, error) {
	t := target{actorID: f.actorID}
	if f.actor != "" {
		a, ok := cat.Lookup(f.actor)
		if !ok {
			return target{}, fmt.Errorf("%w: %s", catalog.ErrUnknownActor, f.actor)
		}
		if t.actorID == "" {
			t.actorID = a.ID
		}
		t.rpcs = append(t.rpcs, a.RPCs...)
	}
	t.rpcs = append(t.rpcs, f.rpcs...)
	if t.actorID == "" {
		return target{}, errors.New("an actor is required: use --actor or --actor-id")
	}
	return t, nil
}

func (t target) params(cfg config.Config, code string) store.Params {
	return store.Params{
		Code:       code,
		ManagerURL: cfg.ManagerURL,
		ActorID:    t.actorID,
		RPCs:       t.rpcs,
	}
}
