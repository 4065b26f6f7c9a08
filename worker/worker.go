package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/highlight"
	"github.com/rivet-gg/actorrepl/internal/logging"
	"github.com/rivet-gg/actorrepl/metrics"
	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/transform"
	"github.com/rivet-gg/actorrepl/transport"
)

// Stage is a step of the per-request state machine.
type Stage string

// Request stages, in order.
const (
	StageReceived     Stage = "received"
	StageHighlighting Stage = "highlighting"
	StageConnecting   Stage = "connecting"
	StageEvaluating   Stage = "evaluating"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Worker executes code requests.
//
// Contract:
// - Concurrency: safe for concurrent use; requests run concurrently.
// - Context: canceling the context passed to Serve or Handle interrupts evaluation.
// - Errors: request failures never escape; they are emitted as error responses.
// - Ownership: emitted responses are owned by the receiver.
type Worker struct {
	resolver       actor.Resolver
	highlighter    Highlighter
	transformer    Transformer
	evaluator      Evaluator
	connectTimeout time.Duration
	metrics        *metrics.Metrics
	logger         Logger

	// handles retains handles of successful requests started with Handle.
	handles *session
}

// New creates a Worker.
// Returns ErrConfiguration if any required field is missing.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	w := &Worker{
		resolver:       cfg.Resolver,
		highlighter:    cfg.Highlighter,
		transformer:    cfg.Transformer,
		evaluator:      cfg.Evaluator,
		connectTimeout: cfg.ConnectTimeout,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		handles:        newSession(),
	}
	if w.highlighter == nil {
		w.highlighter = highlight.New(highlight.Options{})
	}
	if w.transformer == nil {
		w.transformer = transform.New(transform.Options{})
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	return w, nil
}

// Serve reads requests from conn until conn closes or ctx is canceled.
// Invalid frames are dropped. When Serve returns, in-flight requests have
// finished and every handle they retained is disposed.
//
// Serve returns nil when conn closes and ctx.Err() when ctx is canceled.
func (w *Worker) Serve(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	sess := newSession()
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if err := sess.close(); err != nil {
			w.logger.Debug("dispose actor handles", "error", err)
		}
	}()

	var sendMu sync.Mutex
	emit := func(resp protocol.Response) {
		frame, err := protocol.EncodeResponse(resp)
		if err != nil {
			w.logger.Error("encode response", "id", resp.ID, "type", resp.Type, "error", err)
			return
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := conn.Send(ctx, frame); err != nil {
			w.logger.Debug("send response", "id", resp.ID, "type", resp.Type, "error", err)
		}
	}

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			w.metrics.FrameDropped()
			w.logger.Debug("dropping invalid frame", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.handle(ctx, req, emit, sess)
		}()
	}
}

// Handle runs one request to completion and reports its responses to emit
// in order. emit is called from the calling goroutine and, for console
// output, from the evaluation's event loop; calls never overlap and nothing
// is emitted after the terminal response.
//
// Handles of successful requests stay open until Close.
func (w *Worker) Handle(ctx context.Context, req protocol.Request, emit func(protocol.Response)) {
	w.handle(ctx, req, emit, w.handles)
}

// Close disposes handles retained by Handle. The worker stays usable.
func (w *Worker) Close() error {
	return w.handles.drain()
}

func (w *Worker) handle(ctx context.Context, req protocol.Request, emit func(protocol.Response), sess *session) {
	r := &run{w: w, req: req, out: emit, stage: StageReceived, since: time.Now()}
	emit = r.send
	w.metrics.RequestStarted()
	w.logger.Debug("request received", "id", req.ID, "actor_id", req.ActorID, "rpcs", len(req.RPCs))

	r.enter(StageHighlighting)
	formatted, err := w.highlighter.Highlight(req.Data)
	if err != nil {
		w.logger.Debug("highlight failed, sending plain text", "id", req.ID, "error", err)
		formatted = protocol.FallbackFormatted(req.Data)
	}
	emit(protocol.NewFormatted(req.ID, formatted))

	r.enter(StageConnecting)
	h, err := actor.Connect(ctx, w.resolver, req.ManagerURL, req.ActorID, w.connectTimeout)
	if err != nil {
		r.fail(&ConnectionError{ActorID: req.ActorID, Err: err})
		return
	}

	r.enter(StageEvaluating)
	src, err := w.transformer.Transform(req.Data)
	if err != nil {
		r.dispose(h)
		r.fail(err)
		return
	}
	result, err := w.evaluator.Evaluate(ctx, src, bindings(req, h, emit))
	if err != nil {
		r.dispose(h)
		r.fail(err)
		return
	}

	sess.retain(h)
	emit(protocol.NewResult(req.ID, result.Value))
	r.finish(StageCompleted, metrics.OutcomeCompleted)
}

// run tracks the stage of one request.
type run struct {
	w     *Worker
	req   protocol.Request
	stage Stage
	since time.Time

	mu   sync.Mutex
	out  func(protocol.Response)
	done bool
}

// send forwards resp unless the terminal response was already sent.
func (r *run) send(resp protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		r.w.logger.Debug("dropping response after terminal", "id", r.req.ID, "type", resp.Type)
		return
	}
	r.done = resp.Type.Terminal()
	r.out(resp)
}

func (r *run) enter(next Stage) {
	now := time.Now()
	r.w.metrics.ObserveStage(string(r.stage), now.Sub(r.since))
	r.w.logger.Debug("request stage", "id", r.req.ID, "from", r.stage, "to", next)
	r.stage, r.since = next, now
}

func (r *run) fail(err error) {
	r.w.logger.Debug("request failed", "id", r.req.ID, "stage", r.stage, "error", err)
	r.send(protocol.NewError(r.req.ID, err))
	r.finish(StageFailed, metrics.OutcomeFailed)
}

func (r *run) finish(terminal Stage, outcome string) {
	r.enter(terminal)
	r.w.metrics.RequestFinished(outcome)
}

func (r *run) dispose(h actor.Handle) {
	if err := h.Dispose(); err != nil {
		r.w.logger.Debug("dispose actor handle", "id", r.req.ID, "error", err)
	}
}
