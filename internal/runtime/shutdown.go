// Package runtime provides graceful shutdown handling for long-lived
// atelier processes.
package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joss/atelier/internal/logging"
)

// ShutdownFunc is a cleanup function called during shutdown.
type ShutdownFunc func(ctx context.Context) error

// DefaultShutdownTimeout bounds the whole cleanup phase.
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownManager runs registered cleanup handlers when the process is
// asked to stop. Handlers run in reverse registration order, so
// resources built on top of others release first.
type ShutdownManager struct {
	mu          sync.Mutex
	handlers    []namedHandler
	timeout     time.Duration
	shutdownCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
	log         *logging.Logger
}

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout:     timeout,
		shutdownCtx: ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		log:         logging.New("shutdown"),
	}
}

// Register adds a cleanup handler. Handlers run LIFO.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterSimple adds a handler with no error return.
func (m *ShutdownManager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context is cancelled when shutdown begins. Long-running work should
// derive from it.
func (m *ShutdownManager) Context() context.Context {
	return m.shutdownCtx
}

// Done is closed once all handlers have finished or timed out.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals triggers Shutdown on SIGTERM or SIGINT.
// Non-blocking; call once at startup.
func (m *ShutdownManager) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		m.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
		m.Shutdown()
	}()
}

// Shutdown runs the cleanup handlers. Only the first call does
// anything.
func (m *ShutdownManager) Shutdown() {
	m.once.Do(m.performShutdown)
}

func (m *ShutdownManager) performShutdown() {
	defer close(m.done)
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := make([]namedHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			start := time.Now()
			if err := h.fn(ctx); err != nil {
				m.log.Error("handler_failed", err, map[string]interface{}{"handler": h.name})
			} else {
				m.log.Timed("handler_done", start, map[string]interface{}{"handler": h.name})
			}
		}
	}()

	select {
	case <-finished:
		m.log.Info("shutdown_complete", nil)
	case <-ctx.Done():
		m.log.Warn("shutdown_timeout", map[string]interface{}{"timeout": m.timeout.String()})
	}
}

// WaitForShutdown blocks until shutdown is complete.
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}
