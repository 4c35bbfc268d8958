package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zombor/voucher-capture/internal/checkpoint"
	"github.com/zombor/voucher-capture/internal/voucher"
)

// Sink durably appends captured records
type Sink interface {
	Append(rec *voucher.Record) error
}

// Forwarder hands a captured record to an external system. Failures never
// block local persistence.
type Forwarder interface {
	Forward(ctx context.Context, rec *voucher.Record) error
}

// CheckpointStore loads and saves capture progress
type CheckpointStore interface {
	Load() *checkpoint.State
	Save(st *checkpoint.State) error
}

// MediaAttacher downloads and stores the media of a prepared record
type MediaAttacher interface {
	Attach(ctx context.Context, rec *voucher.Record) error
}

// Config paces the engine
type Config struct {
	// ItemDelay is the minimum spacing between two captured items
	ItemDelay time.Duration
	// PollInterval is the pause between poll cycles
	PollInterval time.Duration
	// ItemTimeout bounds the work on one item, media download included
	ItemTimeout time.Duration
	// MediaWait bounds how long a row scrolled into view is re-read while
	// its full image is still loading. MediaPollStep is the pause before
	// each read.
	MediaWait     time.Duration
	MediaPollStep time.Duration
	Navigator     NavigatorConfig
}

// DefaultConfig returns the pacing used against WhatsApp Web
func DefaultConfig() Config {
	return Config{
		ItemDelay:     350 * time.Millisecond,
		PollInterval:  2 * time.Second,
		ItemTimeout:   15 * time.Second,
		MediaWait:     2500 * time.Millisecond,
		MediaPollStep: 200 * time.Millisecond,
		Navigator:     DefaultNavigatorConfig(),
	}
}

// Engine is the capture loop. It owns the checkpoint state and is the only
// writer of the sinks; Run must not be called concurrently.
type Engine struct {
	feed      Feed
	nav       *Navigator
	attacher  MediaAttacher
	store     CheckpointStore
	sinks     []Sink
	forwarder Forwarder
	cfg       Config
	limiter   *rate.Limiter
	log       *slog.Logger

	current atomic.Pointer[checkpoint.State]
	state   *checkpoint.State
}

// NewEngine creates an Engine. forwarder may be nil.
func NewEngine(feed Feed, attacher MediaAttacher, store CheckpointStore, sinks []Sink, forwarder Forwarder, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if cfg.ItemDelay > 0 {
		limit = rate.Every(cfg.ItemDelay)
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultConfig().ItemTimeout
	}
	if cfg.MediaPollStep <= 0 {
		cfg.MediaPollStep = cfg.MediaWait
	}
	e := &Engine{
		feed:      feed,
		nav:       NewNavigator(feed, cfg.Navigator, log),
		attacher:  attacher,
		store:     store,
		sinks:     sinks,
		forwarder: forwarder,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log,
		state:     checkpoint.NewState(),
	}
	e.current.Store(e.state)
	return e
}

// Snapshot returns the current capture progress. It is safe to call while
// Run is active.
func (e *Engine) Snapshot() checkpoint.Snapshot {
	return e.current.Load().Snapshot()
}

// Run loads the checkpoint, positions the feed, sweeps the rendered history
// once and then polls for new messages until ctx is cancelled. The
// checkpoint is saved on every exit path; the error of that last save is
// returned.
func (e *Engine) Run(ctx context.Context) (err error) {
	e.state = e.store.Load()
	e.current.Store(e.state)
	e.log.Info("Starting capture",
		"processed", e.state.Len(),
		"last_id", e.state.LastID(),
	)

	defer func() {
		if saveErr := e.store.Save(e.state); saveErr != nil {
			err = fmt.Errorf("saving checkpoint on exit: %w", saveErr)
			return
		}
		e.log.Info("Checkpoint saved", "processed", e.state.Len(), "last_id", e.state.LastID())
	}()

	anchor := e.state.LastID()
	if anchor == "" {
		e.log.Info("No checkpoint, scrolling to the top of the chat")
		err = e.nav.ScrollToTop(ctx)
	} else {
		e.log.Info("Resuming after last captured message", "id", anchor)
		err = e.nav.ScrollToAnchor(ctx, anchor)
	}
	if err != nil {
		return e.stopped(err)
	}

	captured, err := e.Sweep(ctx, anchor)
	if err != nil {
		return e.stopped(err)
	}
	e.log.Info("Backfill finished", "captured", captured)
	e.save()

	for {
		if err := ctx.Err(); err != nil {
			return e.stopped(err)
		}

		if e.nav.NeedsReanchor(ctx, e.state.LastID()) {
			if err := e.nav.Reanchor(ctx); err != nil {
				return e.stopped(err)
			}
		}

		before := e.state.Snapshot()
		captured, err := e.Sweep(ctx, "")
		if changed(before, e.state.Snapshot()) {
			if captured > 0 {
				e.log.Info("Captured new messages", "count", captured)
			}
			e.save()
		}
		if err != nil {
			return e.stopped(err)
		}

		if err := sleep(ctx, e.cfg.PollInterval); err != nil {
			return e.stopped(err)
		}
	}
}

// stopped maps cancellation to a clean exit
func (e *Engine) stopped(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.log.Info("Capture stopped")
		return nil
	}
	return err
}

func (e *Engine) save() {
	if err := e.store.Save(e.state); err != nil {
		e.log.Error("Saving checkpoint", "error", err)
	}
}

// Sweep enumerates the rendered rows top to bottom and captures the new
// ones. When anchor is non-empty and rendered, rows above it are marked
// processed without being captured. It returns the number of records
// appended to the sinks; the error is only ever a context error, returned
// between items.
func (e *Engine) Sweep(ctx context.Context, anchor string) (int, error) {
	items, err := e.feed.VisibleItems(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.log.Debug("Listing rows failed", "error", err)
		return 0, nil
	}
	items = OrderItems(items)

	anchorActive := anchor != "" && containsID(items, anchor)
	reached := false

	captured := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return captured, err
		}
		if it.ID == "" {
			continue
		}

		if anchorActive && !reached {
			if it.ID == anchor {
				reached = true
				e.refreshAnchor(it)
				continue
			}
			if !e.state.Has(it.ID) {
				e.log.Debug("Marking history above the anchor", "id", it.ID)
				e.state.Mark(it.ID)
			}
			continue
		}

		if e.state.Has(it.ID) {
			if it.ID == e.state.LastID() && e.state.LastSignature() == "" {
				e.refreshAnchor(it)
			}
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return captured, err
		}

		ok := e.captureItem(ctx, it, anchorActive, anchor)
		if ok {
			captured++
		}
	}
	return captured, nil
}

// refreshAnchor restores the signature of the anchor row when the
// checkpoint lost it or the row now renders differently. The id is
// authoritative, so the row is never captured again.
func (e *Engine) refreshAnchor(it Item) {
	rec, err := voucher.Prepare(it.Message())
	if err != nil {
		return
	}
	if rec.Signature != e.state.LastSignature() {
		e.log.Debug("Refreshing anchor signature", "id", it.ID)
		e.state.Rebind(it.ID, rec.Signature)
	}
}

// captureItem handles one unseen row and reports whether a record was
// appended. The work runs detached from cancellation so that a record is
// never half written.
func (e *Engine) captureItem(parent context.Context, it Item, anchorActive bool, anchor string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.ItemTimeout)
	defer cancel()

	if err := e.feed.Scroll(ctx, ScrollCommand{Kind: ScrollToItem, ID: it.ID}); err != nil {
		e.log.Debug("Scrolling row into view failed", "id", it.ID, "error", err)
	}
	it = e.awaitMedia(ctx, it)

	rec, err := voucher.Prepare(it.Message())
	if err != nil {
		e.log.Debug("Skipping row", "id", it.ID, "reason", err)
		return false
	}

	if rec.Signature == e.state.LastSignature() && (!anchorActive || rec.ID == anchor) {
		e.log.Info("Same message rendered under a new id", "id", rec.ID, "previous_id", e.state.LastID())
		e.state.Rebind(rec.ID, rec.Signature)
		return false
	}

	if err := e.attacher.Attach(ctx, rec); err != nil {
		if errors.Is(err, voucher.ErrMediaUnavailable) {
			e.log.Debug("Media not ready, will retry", "id", rec.ID, "error", err)
		} else {
			e.log.Warn("Attaching media failed", "id", rec.ID, "error", err)
		}
		return false
	}

	for _, s := range e.sinks {
		if err := s.Append(rec); err != nil {
			e.log.Error("Appending record", "id", rec.ID, "error", err)
			return false
		}
	}

	if e.forwarder != nil {
		if err := e.forwarder.Forward(ctx, rec); err != nil {
			e.log.Warn("Forwarding record failed", "id", rec.ID, "error", err)
		}
	}

	e.state.Advance(rec.ID, rec.Signature)
	e.log.Info("Captured message",
		"id", rec.ID,
		"timestamp", rec.Timestamp,
		"sender", rec.Sender,
		"customer", rec.Fields.Get(voucher.FieldCustomerName),
		"payment_method", rec.Fields.Get(voucher.FieldPaymentMethod),
		"detail", rec.Fields.Get(voucher.FieldDetail),
		"media", rec.PrimaryMedia().Path,
	)
	return true
}

// awaitMedia re-reads the row until its full image has loaded or MediaWait
// runs out. A row still showing only the thumbnail is left for a later cycle.
func (e *Engine) awaitMedia(ctx context.Context, it Item) Item {
	deadline := time.Now().Add(e.cfg.MediaWait)
	for {
		if err := sleep(ctx, e.cfg.MediaPollStep); err != nil {
			return it
		}
		if fresh, found, err := e.feed.Locate(ctx, it.ID); err == nil && found {
			it = fresh
		}
		if it.BlobRef != "" || !time.Now().Before(deadline) {
			return it
		}
	}
}

func containsID(items []Item, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func changed(a, b checkpoint.Snapshot) bool {
	return a.LastID != b.LastID ||
		a.LastSignature != b.LastSignature ||
		len(a.ProcessedIDs) != len(b.ProcessedIDs)
}
