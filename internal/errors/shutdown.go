package errors

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownHooks runs cleanup functions once, on SIGINT/SIGTERM or when
// Trigger is called. Hooks run in reverse order of Add.
type ShutdownHooks struct {
	mu    sync.Mutex
	hooks []func() error
	out   io.Writer

	signals chan os.Signal
	once    sync.Once
	done    chan struct{}
}

// NewShutdownHooks creates an empty set of hooks. Hook errors are written
// to stderr.
func NewShutdownHooks() *ShutdownHooks {
	return &ShutdownHooks{
		out:     os.Stderr,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// Add registers fn.
func (s *ShutdownHooks) Add(fn func() error) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Listen triggers the hooks on the first SIGINT or SIGTERM.
func (s *ShutdownHooks) Listen() {
	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-s.signals:
			s.Trigger()
		case <-s.done:
		}
	}()
}

// Trigger runs the hooks. Only the first call has an effect.
func (s *ShutdownHooks) Trigger() {
	s.once.Do(func() {
		signal.Stop(s.signals)
		s.mu.Lock()
		hooks := append([]func() error(nil), s.hooks...)
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i](); err != nil {
				fmt.Fprintf(s.out, "Error during shutdown: %v\n", err)
			}
		}
		close(s.done)
	})
}

// Wait blocks until the hooks have run.
func (s *ShutdownHooks) Wait() {
	<-s.done
}
