package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
)

type closer struct {
	name string
	fn   func() error
}

// Handler releases run resources (lock, sink, telemetry, logger) once, in
// reverse registration order, on SIGINT/SIGTERM or normal exit.
type Handler struct {
	closers []closer
	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	logger  *logger.Logger
}

// NewHandler creates a new graceful shutdown handler
func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		done:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
	}
}

// Register adds fn to the shutdown list.
func (h *Handler) Register(name string, fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, closer{name: name, fn: fn})
}

// ExitCodeInterrupted is passed to the exit function after a signal.
const ExitCodeInterrupted = 130

// Watch runs Shutdown and then exit on SIGINT or SIGTERM. An in-flight
// fan-out is not cancelled: the process terminates once resources are
// released. Watching stops when ctx is done.
func (h *Handler) Watch(ctx context.Context, exit func(code int)) {
	h.watch(ctx, exit, syscall.SIGINT, syscall.SIGTERM)
}

func (h *Handler) watch(ctx context.Context, exit func(code int), signals ...os.Signal) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signals...)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			h.logger.Warnw("Received signal, shutting down", "signal", sig.String())
			if err := h.ShutdownWithTimeout(5 * time.Second); err != nil {
				h.logger.Errorw("Graceful shutdown did not finish", "error", err)
			}
			exit(ExitCodeInterrupted)
		case <-ctx.Done():
		}
	}()
}

// Shutdown runs every registered function once. Errors are logged and the
// remaining functions still run.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.mu.Lock()
		closers := append([]closer(nil), h.closers...)
		h.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				h.logger.Errorw("Error during shutdown", "resource", closers[i].name, "error", err)
			}
		}
		close(h.done)
	})
}

// Done is closed once Shutdown has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ShutdownWithTimeout executes shutdown with a timeout
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	go h.Shutdown()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
