package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/swarmkit/logging"
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
)

// Handler is a component's close function. The context is cancelled
// when the shutdown deadline passes.
type Handler func(ctx context.Context) error

// Phases used by swarm agents. Lower runs first.
const (
	PhaseConsensus  = 10 // consensus nodes stop proposing and replicating
	PhaseVoting     = 20 // voting system stops sweeping
	PhaseMembership = 30 // directory announces leave
	PhaseEvents     = 40 // event bus drains pending persists
	PhaseBus        = 50 // message bus connection released last
	PhaseDefault    = 100
)

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Config configures a Coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout when called with zero.
	// Default 30s.
	DefaultTimeout time.Duration

	// Logger defaults to a discard logger.
	Logger *logging.Logger
}

// Coordinator runs registered handlers in phase order on shutdown.
type Coordinator struct {
	timeout time.Duration
	log     *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	err     error
	signals chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		timeout: cfg.DefaultTimeout,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, fn Handler) {
	c.RegisterPhase(name, PhaseDefault, fn)
}

// RegisterPhase adds a handler in a specific phase. Handlers in the
// same phase run concurrently; phases run in ascending order.
func (c *Coordinator) RegisterPhase(name string, phase int, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: fn})
}

// Shutdown runs all handlers. A second call returns the first run's
// result once it finishes.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.err = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
	}
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by the given timeout, or
// the default when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	var errs []error
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		phase := handlers[i:j]

		var wg sync.WaitGroup
		phaseErrs := make([]error, len(phase))
		for k, reg := range phase {
			wg.Add(1)
			go func(k int, reg registration) {
				defer wg.Done()
				hstart := time.Now()
				if err := reg.handler(ctx); err != nil {
					phaseErrs[k] = err
					c.log.Error("handler failed", logging.Fields{
						"handler": reg.name,
						"error":   err.Error(),
					})
					return
				}
				c.log.Debug("handler closed", logging.Fields{
					"handler": reg.name,
					"took":    time.Since(hstart).String(),
				})
			}(k, reg)
		}
		wg.Wait()

		for _, err := range phaseErrs {
			if err != nil {
				errs = append(errs, err)
			}
		}
		if ctx.Err() != nil {
			errs = append(errs, ErrTimeout)
			break
		}
		i = j
	}

	c.log.Info("shutdown complete", logging.Fields{
		"took":     time.Since(start).String(),
		"handlers": len(handlers),
		"failed":   len(errs),
	})
	return errors.Join(errs...)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signals
		c.ShutdownWithTimeout(0)
	}()
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error. Valid once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
