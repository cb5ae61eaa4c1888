package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDrainTimeout is returned when resources are still closing at the
// deadline
var ErrDrainTimeout = errors.New("shutdown timeout reached")

// Closer releases one named resource (a pool, a client, an exporter)
type Closer struct {
	Name  string
	Close func(context.Context) error
}

// Drainer stops request intake first so no webhook is cut off mid-write,
// then releases the registered resources concurrently
type Drainer struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu      sync.Mutex
	intake  []*http.Server
	closers []Closer

	once sync.Once
	err  error
}

// NewDrainer creates a drainer; a zero timeout means 30s
func NewDrainer(logger *logrus.Logger, timeout time.Duration) *Drainer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NewDiscardLogger()
	}
	return &Drainer{logger: logger, timeout: timeout}
}

// Intake registers servers that stop accepting requests before anything
// is closed
func (d *Drainer) Intake(servers ...*http.Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intake = append(d.intake, servers...)
}

// OnDrain registers a resource to release after intake has stopped
func (d *Drainer) OnDrain(name string, fn func(context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closers = append(d.closers, Closer{Name: name, Close: fn})
}

// WaitForSignal blocks until SIGINT, SIGTERM or ctx is done, then drains
func (d *Drainer) WaitForSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	d.logger.Info("Shutdown requested, draining billing service")
	return d.Drain()
}

// Drain runs once; later calls return the first result
func (d *Drainer) Drain() error {
	d.once.Do(func() { d.err = d.drain() })
	return d.err
}

func (d *Drainer) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.mu.Lock()
	intake := append([]*http.Server(nil), d.intake...)
	closers := append([]Closer(nil), d.closers...)
	d.mu.Unlock()

	for _, srv := range intake {
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.WithError(err).WithField("addr", srv.Addr).Error("Server did not stop cleanly")
			return fmt.Errorf("failed to stop %s: %w", srv.Addr, err)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, c := range closers {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				d.logger.WithError(err).WithField("resource", c.Name).Error("Resource did not close cleanly")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Shutdown timeout reached, abandoning open resources")
		return ErrDrainTimeout
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), err)
	}
	d.logger.Info("Billing service drained")
	return nil
}
