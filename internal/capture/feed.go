package capture

import (
	"context"
	"sort"
	"strings"

	"github.com/zombor/voucher-capture/internal/voucher"
)

// Item is one rendered message row as seen in the feed
type Item struct {
	ID string
	// Position is the vertical offset of the row. It is only meaningful when
	// Measured is true; rows that are mounting may not have a box yet.
	Position float64
	Measured bool
	// Text is the voucher text block, RowText the whole visible row
	Text    string
	RowText string
	Meta    string
	// BlobRef stays empty until the full image has downloaded
	BlobRef string
	DataRef string
}

// Message converts the row into builder input
func (i Item) Message() voucher.Message {
	return voucher.Message{
		ID:      i.ID,
		Text:    i.Text,
		Meta:    i.Meta,
		BlobRef: i.BlobRef,
		DataRef: i.DataRef,
	}
}

// ScrollKind is a viewport movement
type ScrollKind int

const (
	ScrollPageUp ScrollKind = iota
	ScrollPageDown
	ScrollToTop
	ScrollToBottom
	ScrollToItem
)

func (k ScrollKind) String() string {
	switch k {
	case ScrollPageUp:
		return "page-up"
	case ScrollPageDown:
		return "page-down"
	case ScrollToTop:
		return "top"
	case ScrollToBottom:
		return "bottom"
	case ScrollToItem:
		return "item"
	default:
		return "unknown"
	}
}

// ScrollCommand moves the viewport. ID is only used with ScrollToItem.
type ScrollCommand struct {
	Kind ScrollKind
	ID   string
}

// ScrollMetrics describe the scroll container
type ScrollMetrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

// Remaining is the distance in pixels between the viewport and the bottom
func (m ScrollMetrics) Remaining() float64 {
	return m.ScrollHeight - (m.ScrollTop + m.ClientHeight)
}

// Feed is a lazily rendered message list. Scroll commands are fire and
// forget: callers must wait and sample again to see their effect.
type Feed interface {
	// VisibleItems lists the rows currently rendered, in DOM order
	VisibleItems(ctx context.Context) ([]Item, error)
	// Locate returns the rendered row with the id, if any
	Locate(ctx context.Context, id string) (Item, bool, error)
	Scroll(ctx context.Context, cmd ScrollCommand) error
	Metrics(ctx context.Context) (ScrollMetrics, error)
}

// OrderItems sorts rows top to bottom. Rows without a measured position go
// last, keeping their relative order.
func OrderItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Measured != out[b].Measured {
			return out[a].Measured
		}
		if !out[a].Measured {
			return false
		}
		return out[a].Position < out[b].Position
	})
	return out
}

var pinnedNotices = []string{
	"fijó un mensaje",
	"mensaje fijado",
	"pinned a message",
	"pinned message",
}

// isPinnedNotice reports whether the row is the system notice WhatsApp shows
// when a message is pinned.
func isPinnedNotice(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, n := range pinnedNotices {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
