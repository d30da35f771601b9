package witness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Network transport.Network
	// Cursors persists mailbox read positions. Optional; without it
	// positions live only as long as the Collector.
	Cursors storage.CursorStore
	// Receipts persists every verified receipt read from a mailbox, for
	// any event of the polled prefix. Optional; without it receipts are
	// kept in memory.
	Receipts storage.ReceiptStore

	// Retry bounds. MaxTries defaults to 10, MaxElapsed to 30s.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	MaxElapsed      time.Duration

	Logger *slog.Logger
}

// Collector polls witness mailboxes for receipts.
type Collector struct {
	cfg    CollectorConfig
	logger *slog.Logger

	mu       sync.Mutex
	cursors  map[string]uint64
	receipts map[string][]types.Receipt // prefix|sn -> receipts
}

// NewCollector creates a Collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 10
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Collector{
		cfg:      cfg,
		logger:   cfg.Logger,
		cursors:  make(map[string]uint64),
		receipts: make(map[string][]types.Receipt),
	}
}

// CollectRequest names the exact event whose receipts are wanted.
type CollectRequest struct {
	Prefix    string
	Sn        uint64
	Digest    string
	Witnesses []types.LocationScheme
	Threshold int
	// Signer signs mailbox queries on behalf of Prefix.
	Signer signing.Identity
}

// Collect polls every witness until receipts from Threshold distinct
// witnesses for (Prefix, Sn, Digest) are in hand, retrying with exponential
// backoff. Receipts for any other event are skipped. On exhaustion or
// cancellation it returns ErrReceiptThresholdNotReached together with the
// partial set.
func (c *Collector) Collect(ctx context.Context, req CollectRequest) (*ReceiptSet, error) {
	eids := make([]string, len(req.Witnesses))
	for i, loc := range req.Witnesses {
		eids[i] = loc.EID
	}
	set := NewReceiptSet(req.Prefix, req.Sn, req.Digest, eids, req.Threshold)
	if req.Threshold > len(req.Witnesses) {
		return set, fmt.Errorf("%w: threshold %d exceeds %d witnesses", ErrReceiptThresholdNotReached, req.Threshold, len(req.Witnesses))
	}
	// Receipts read by an earlier collection are behind the cursor.
	stored, err := c.kept(ctx, req.Prefix, req.Sn)
	if err != nil {
		return set, fmt.Errorf("load receipts: %w", err)
	}
	for _, r := range stored {
		set.Add(r)
	}
	if set.Satisfied() {
		return set, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval

	_, err = backoff.Retry(ctx, func() (int, error) {
		err := c.poll(ctx, req, set)
		if set.Satisfied() {
			return set.Count(), nil
		}
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%d of %d receipts", set.Count(), req.Threshold)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Debug("receipts pending", "prefix", req.Prefix, "sn", req.Sn, "retry_in", d, "error", err)
		}),
	)
	if err != nil && !set.Satisfied() {
		return set, fmt.Errorf("%w: %s sn %d has %d of %d: %w",
			ErrReceiptThresholdNotReached, req.Prefix, req.Sn, set.Count(), req.Threshold, err)
	}

	c.logger.Info("event witnessed", "prefix", req.Prefix, "sn", req.Sn, "receipts", set.Count())
	return set, nil
}

// poll queries every witness once and adds what it returns to set.
// Transport failures are isolated per witness and joined.
func (c *Collector) poll(ctx context.Context, req CollectRequest, set *ReceiptSet) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range req.Witnesses {
		g.Go(func() error {
			if err := c.pollOne(gctx, req, loc, set); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (c *Collector) pollOne(ctx context.Context, req CollectRequest, loc types.LocationScheme, set *ReceiptSet) error {
	cursor, err := c.cursor(ctx, req.Prefix, loc.EID)
	if err != nil {
		return err
	}
	sq, err := signing.SignQuery(req.Signer, types.Query{
		ID:     uuid.NewString(),
		Route:  types.QueryMailbox,
		Prefix: req.Prefix,
		Target: loc.EID,
		Topic:  types.TopicReceipt,
		Cursor: cursor,
		Date:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	envs, err := c.cfg.Network.Poll(ctx, loc, sq)
	if err != nil {
		return err
	}

	next := cursor
	for _, env := range envs {
		if env.Index >= next {
			next = env.Index + 1
		}
		if env.Message.Kind != types.KindReceipt {
			continue
		}
		var r types.Receipt
		if err := env.Message.Decode(&r); err != nil {
			c.logger.Warn("skipping malformed receipt", "witness", loc.EID, "index", env.Index, "error", err)
			continue
		}
		if r.Witness != loc.EID || r.Prefix != req.Prefix {
			c.logger.Warn("receipt from unexpected witness", "witness", loc.EID, "signer", r.Witness, "prefix", r.Prefix)
			continue
		}
		if err := VerifyReceipt(r); err != nil {
			c.logger.Warn("rejected receipt", "witness", loc.EID, "error", err)
			continue
		}
		// The cursor moves past r, so it is kept whatever event it names.
		if err := c.keep(ctx, r); err != nil {
			return fmt.Errorf("store receipt: %w", err)
		}
		if _, err := set.Add(r); err != nil {
			c.logger.Warn("rejected receipt", "witness", loc.EID, "error", err)
		}
	}
	if next != cursor {
		return c.setCursor(ctx, req.Prefix, loc.EID, next)
	}
	return nil
}

func cursorKey(prefix, peer string) string {
	return prefix + "|" + peer
}

func receiptKey(prefix string, sn uint64) string {
	return fmt.Sprintf("%s|%d", prefix, sn)
}

func (c *Collector) keep(ctx context.Context, r types.Receipt) error {
	if c.cfg.Receipts != nil {
		return c.cfg.Receipts.AddReceipt(ctx, r)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := receiptKey(r.Prefix, r.Sn)
	for _, have := range c.receipts[key] {
		if have.Digest == r.Digest && have.Witness == r.Witness {
			return nil
		}
	}
	c.receipts[key] = append(c.receipts[key], r)
	return nil
}

func (c *Collector) kept(ctx context.Context, prefix string, sn uint64) ([]types.Receipt, error) {
	if c.cfg.Receipts != nil {
		return c.cfg.Receipts.GetReceipts(ctx, prefix, sn)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.receipts[receiptKey(prefix, sn)]), nil
}

func (c *Collector) cursor(ctx context.Context, prefix, peer string) (uint64, error) {
	if c.cfg.Cursors != nil {
		return c.cfg.Cursors.GetCursor(ctx, prefix, peer, types.TopicReceipt)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[cursorKey(prefix, peer)], nil
}

func (c *Collector) setCursor(ctx context.Context, prefix, peer string, cursor uint64) error {
	if c.cfg.Cursors != nil {
		return c.cfg.Cursors.SetCursor(ctx, prefix, peer, types.TopicReceipt, cursor)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[cursorKey(prefix, peer)] = cursor
	return nil
}
