package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/witnz/witnz-oracle/internal/dispatch"
	"go.uber.org/multierr"
)

type Config struct {
	MintInterval     time.Duration
	DispatchInterval time.Duration
}

// SystemAlerter announces node lifecycle events.
type SystemAlerter interface {
	SendSystemAlert(title, message, severity string) error
}

// Node runs the minter and one loop per dispatcher. Dispatchers never share
// a loop, so a slow chain does not delay the others.
type Node struct {
	minter      *Minter
	dispatchers []*dispatch.Dispatcher
	config      Config
	alerts      SystemAlerter
	logger      *slog.Logger

	mu    sync.Mutex
	loops []*Loop
}

func New(minter *Minter, dispatchers []*dispatch.Dispatcher, alerts SystemAlerter, cfg Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		minter:      minter,
		dispatchers: dispatchers,
		config:      cfg,
		alerts:      alerts,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled or Stop is called, then waits for
// pending cancellation transactions.
func (n *Node) Run(ctx context.Context) error {
	loops := n.buildLoops()
	n.systemAlert("Node started", fmt.Sprintf("Running %d dispatchers", len(n.dispatchers)), "good")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			if loopErr := l.Start(ctx); loopErr != nil && ctx.Err() == nil {
				mu.Lock()
				err = multierr.Append(err, loopErr)
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	for _, d := range n.dispatchers {
		d.Wait()
	}
	n.logger.Info("Node stopped")
	if err != nil {
		n.systemAlert("Node stopped", err.Error(), "danger")
	} else {
		n.systemAlert("Node stopped", "Shut down cleanly", "warning")
	}
	return err
}

func (n *Node) systemAlert(title, message, severity string) {
	if n.alerts == nil {
		return
	}
	if err := n.alerts.SendSystemAlert(title, message, severity); err != nil {
		n.logger.Error("Failed to send system alert", "title", title, "error", err)
	}
}

func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.loops {
		l.Stop()
	}
}

func (n *Node) buildLoops() []*Loop {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.loops = n.loops[:0]
	if n.minter != nil {
		n.loops = append(n.loops, NewLoop("minter", n.config.MintInterval, func(ctx context.Context) error {
			_, err := n.minter.Tick(ctx, time.Now())
			return err
		}, n.logger))
	}
	for _, d := range n.dispatchers {
		d := d
		n.loops = append(n.loops, NewLoop("dispatch-"+d.ChainID(), n.config.DispatchInterval, func(ctx context.Context) error {
			_, err := d.Apply(ctx)
			return err
		}, n.logger))
	}
	return n.loops
}
