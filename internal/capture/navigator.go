package capture

import (
	"context"
	"log/slog"
	"time"
)

// NavigatorConfig bounds and paces viewport navigation
type NavigatorConfig struct {
	// SettleDelay is waited after every scroll command
	SettleDelay time.Duration
	// TopSettleDelay is waited after the jump to top before sampling
	TopSettleDelay time.Duration
	// TopMaxRounds caps ScrollToTop rounds, 0 means unbounded
	TopMaxRounds int
	// TopBurst is the number of page-ups per round
	TopBurst int
	// StableRounds is how many unchanged samples end ScrollToTop
	StableRounds int
	// MaxAnchorJumps caps the jumps toward the bottom while looking for the
	// anchor, 0 means until scrolling stops making progress
	MaxAnchorJumps int
	// BottomThreshold is the distance from the bottom, in pixels, still
	// considered "at the bottom"
	BottomThreshold float64
}

// DefaultNavigatorConfig returns the pacing used against WhatsApp Web
func DefaultNavigatorConfig() NavigatorConfig {
	return NavigatorConfig{
		SettleDelay:     400 * time.Millisecond,
		TopSettleDelay:  600 * time.Millisecond,
		TopMaxRounds:    30,
		TopBurst:        6,
		StableRounds:    3,
		MaxAnchorJumps:  500,
		BottomThreshold: 48,
	}
}

// Navigator positions a lazily rendered feed. Every interaction is best
// effort: a failed command is logged and the next attempt goes ahead. Only
// context cancellation stops a navigation early.
type Navigator struct {
	feed Feed
	cfg  NavigatorConfig
	log  *slog.Logger
}

// NewNavigator creates a Navigator
func NewNavigator(feed Feed, cfg NavigatorConfig, log *slog.Logger) *Navigator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StableRounds < 1 {
		cfg.StableRounds = 1
	}
	return &Navigator{feed: feed, cfg: cfg, log: log}
}

// ScrollToTop pages up until the topmost row id stops changing for
// StableRounds samples, or TopMaxRounds rounds have run. A sample with no
// rows counts as unchanged.
func (n *Navigator) ScrollToTop(ctx context.Context) error {
	var (
		previous string
		still    int
	)
	for round := 0; n.cfg.TopMaxRounds == 0 || round < n.cfg.TopMaxRounds; round++ {
		for i := 0; i < n.cfg.TopBurst; i++ {
			n.scroll(ctx, ScrollCommand{Kind: ScrollPageUp})
			if err := sleep(ctx, n.cfg.SettleDelay); err != nil {
				return err
			}
		}
		n.scroll(ctx, ScrollCommand{Kind: ScrollToTop})
		if err := sleep(ctx, n.cfg.TopSettleDelay); err != nil {
			return err
		}

		top := n.topID(ctx)
		switch {
		case top == "" || top == previous:
			still++
		default:
			still = 0
			previous = top
		}
		n.log.Debug("Scrolling to top", "round", round+1, "top_id", top, "unchanged", still)

		if still >= n.cfg.StableRounds {
			return nil
		}
	}
	n.log.Warn("Top of feed not confirmed", "rounds", n.cfg.TopMaxRounds, "top_id", previous)
	return nil
}

// ScrollToAnchor brings the row with lastID into view and pages once past
// it. When the row is not rendered it jumps toward the bottom until the row
// appears or scrolling makes no progress.
func (n *Navigator) ScrollToAnchor(ctx context.Context, lastID string) error {
	if lastID == "" {
		return nil
	}

	for jumps := 0; ; jumps++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if n.locatable(ctx, lastID) {
			if err := n.feed.Scroll(ctx, ScrollCommand{Kind: ScrollToItem, ID: lastID}); err != nil {
				n.log.Debug("Scroll to anchor failed", "id", lastID, "error", err)
				return nil
			}
			if err := sleep(ctx, n.cfg.SettleDelay); err != nil {
				return err
			}
			n.scroll(ctx, ScrollCommand{Kind: ScrollPageDown})
			return sleep(ctx, n.cfg.SettleDelay)
		}

		if n.cfg.MaxAnchorJumps > 0 && jumps >= n.cfg.MaxAnchorJumps {
			n.log.Warn("Anchor not found, giving up", "id", lastID, "jumps", jumps)
			return nil
		}

		before := n.metrics(ctx)
		n.scroll(ctx, ScrollCommand{Kind: ScrollToBottom})
		if err := sleep(ctx, n.cfg.SettleDelay); err != nil {
			return err
		}
		after := n.metrics(ctx)

		if after.ScrollTop <= before.ScrollTop {
			n.log.Info("Anchor not rendered, resuming from the bottom", "id", lastID, "jumps", jumps+1)
			return nil
		}
	}
}

// NeedsReanchor reports whether the viewport drifted away from the bottom
// or the last captured row is no longer rendered.
func (n *Navigator) NeedsReanchor(ctx context.Context, lastID string) bool {
	if lastID == "" {
		return true
	}
	m, err := n.feed.Metrics(ctx)
	if err != nil {
		return true
	}
	if m.Remaining() > n.cfg.BottomThreshold {
		return true
	}
	return !n.locatable(ctx, lastID)
}

// Reanchor jumps to the bottom of the feed, where new messages arrive.
func (n *Navigator) Reanchor(ctx context.Context) error {
	n.scroll(ctx, ScrollCommand{Kind: ScrollToBottom})
	return sleep(ctx, n.cfg.SettleDelay)
}

func (n *Navigator) scroll(ctx context.Context, cmd ScrollCommand) {
	if err := n.feed.Scroll(ctx, cmd); err != nil {
		n.log.Debug("Scroll failed", "kind", cmd.Kind, "id", cmd.ID, "error", err)
	}
}

func (n *Navigator) metrics(ctx context.Context) ScrollMetrics {
	m, err := n.feed.Metrics(ctx)
	if err != nil {
		n.log.Debug("Reading scroll metrics failed", "error", err)
		return ScrollMetrics{}
	}
	return m
}

func (n *Navigator) locatable(ctx context.Context, id string) bool {
	_, ok, err := n.feed.Locate(ctx, id)
	if err != nil {
		n.log.Debug("Locating row failed", "id", id, "error", err)
		return false
	}
	return ok
}

// topID returns the id of the topmost rendered row, skipping pin notices.
func (n *Navigator) topID(ctx context.Context) string {
	items, err := n.feed.VisibleItems(ctx)
	if err != nil {
		n.log.Debug("Listing rows failed", "error", err)
		return ""
	}
	for _, it := range OrderItems(items) {
		if it.ID == "" {
			continue
		}
		text := it.RowText
		if text == "" {
			text = it.Text
		}
		if isPinnedNotice(text) {
			continue
		}
		return it.ID
	}
	return ""
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
