// Package worker is the persistent background context. It presents
// notifications on behalf of pages, decodes inbound pushes and routes user
// interactions with delivered notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wolfeidau/offline-shell/notify"
	"github.com/wolfeidau/offline-shell/notify/web"
)

var (
	// ErrInactive is returned when the worker has not started or has stopped.
	ErrInactive = errors.New("worker: not active")

	// ErrUnknownMessage is returned for messages with an unsupported type.
	ErrUnknownMessage = errors.New("worker: unknown message type")
)

// Worker implements web.WorkerContext.
type Worker struct {
	presenter notify.Presenter
	router    *Router
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ web.WorkerContext = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger for the worker.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a stopped worker presenting through presenter.
func New(presenter notify.Presenter, router *Router, opts ...Option) *Worker {
	w := &Worker{
		presenter: presenter,
		router:    router,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker")
	return w
}

// Start activates the worker. Events are handled until Stop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.logger.Info("worker started")
}

// Stop deactivates the worker, cancels in-flight events and waits for them.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Active implements web.WorkerContext.
func (w *Worker) Active() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// begin registers an event and returns a context cancelled on Stop.
func (w *Worker) begin(ctx context.Context) (context.Context, func(), error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return nil, nil, ErrInactive
	}
	w.wg.Add(1)

	ectx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	return ectx, func() {
		stop()
		cancel()
		w.wg.Done()
	}, nil
}

// Post implements web.WorkerContext.
func (w *Worker) Post(ctx context.Context, msg web.Message) error {
	if msg.Type != web.MessageNotify {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	ctx, done, err := w.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if err := w.presenter.Present(ctx, msg.Payload.Title, msg.Payload.Options); err != nil {
		return fmt.Errorf("presenting notification: %w", err)
	}
	return nil
}

// HandlePush presents a server-initiated push.
func (w *Worker) HandlePush(ctx context.Context, raw []byte) error {
	ctx, done, err := w.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	title, opts, err := DecodePush(raw)
	if err != nil {
		w.logger.Warn("push payload not decodable, showing as text", "error", err)
	}
	if err := w.presenter.Present(ctx, title, opts); err != nil {
		return fmt.Errorf("presenting push: %w", err)
	}
	return nil
}

// HandleInteraction routes a notification interaction.
func (w *Worker) HandleInteraction(ctx context.Context, in Interaction) (Outcome, error) {
	ctx, done, err := w.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer done()

	return w.router.Handle(ctx, in)
}
