package witness

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
)

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Network transport.Network
	// Concurrency bounds simultaneous sends. Defaults to 8.
	Concurrency int
	Logger      *slog.Logger
}

// Notifier sends finalized events to witnesses.
type Notifier struct {
	net         transport.Network
	concurrency int
	logger      *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{net: cfg.Network, concurrency: cfg.Concurrency, logger: cfg.Logger}
}

// NotifyReport lists which witnesses accepted the messages.
type NotifyReport struct {
	Sent   []string
	Failed map[string]error
}

// Err joins the per-witness failures, or returns nil if there were none.
func (r *NotifyReport) Err() error {
	eids := make([]string, 0, len(r.Failed))
	for eid := range r.Failed {
		eids = append(eids, eid)
	}
	sort.Strings(eids)
	errs := make([]error, 0, len(eids))
	for _, eid := range eids {
		errs = append(errs, r.Failed[eid])
	}
	return errors.Join(errs...)
}

// Notify sends msgs to every witness concurrently. A failure at one witness
// never stops delivery to the others; failures are reported, not returned.
func (n *Notifier) Notify(ctx context.Context, msgs []types.Message, witnesses []types.LocationScheme) *NotifyReport {
	report := &NotifyReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for _, loc := range witnesses {
		g.Go(func() error {
			err := n.net.Send(gctx, loc, msgs...)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				n.logger.Warn("witness notification failed", "witness", loc.EID, "error", err)
				report.Failed[loc.EID] = err
				return nil
			}
			report.Sent = append(report.Sent, loc.EID)
			return nil
		})
	}
	g.Wait()

	sort.Strings(report.Sent)
	n.logger.Debug("notified witnesses", "sent", len(report.Sent), "failed", len(report.Failed))
	return report
}
