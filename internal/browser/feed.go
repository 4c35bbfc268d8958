package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/zombor/voucher-capture/internal/capture"
	"github.com/zombor/voucher-capture/internal/voucher"
)

// ErrNoTarget means no open tab matched the expected page
var ErrNoTarget = errors.New("no matching browser tab")

// Feed reads the WhatsApp Web conversation pane of an already running
// browser through the DevTools protocol. It implements capture.Feed and
// voucher.MediaFetcher.
type Feed struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// rawItem is what readRow returns in the page
type rawItem struct {
	ID       string  `json:"id"`
	Y        float64 `json:"y"`
	Measured bool    `json:"measured"`
	Text     string  `json:"text"`
	RowText  string  `json:"rowText"`
	Meta     string  `json:"meta"`
	Blob     string  `json:"blob"`
	Data     string  `json:"data"`
}

func (r rawItem) item() capture.Item {
	return capture.Item{
		ID:       r.ID,
		Position: r.Y,
		Measured: r.Measured,
		Text:     r.Text,
		RowText:  r.RowText,
		Meta:     r.Meta,
		BlobRef:  r.Blob,
		DataRef:  r.Data,
	}
}

// Connect attaches to the tab whose URL contains urlMatch in the browser
// listening on the DevTools websocket endpoint, for example
// ws://127.0.0.1:9222/devtools/browser/<id> or http://127.0.0.1:9222.
// The feed outlives ctx and is only released by Close.
func Connect(ctx context.Context, endpoint, urlMatch string, log *slog.Logger) (*Feed, error) {
	if log == nil {
		log = slog.Default()
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	disconnect := func() {
		browserCancel()
		allocCancel()
	}

	// no tab is attached yet, so giving up here cannot close one
	stop := context.AfterFunc(ctx, disconnect)
	targets, err := chromedp.Targets(browserCtx)
	if !stop() || err != nil {
		disconnect()
		if err == nil {
			err = context.Cause(ctx)
		}
		return nil, fmt.Errorf("listing browser tabs: %w", err)
	}

	info, err := pickTarget(targets, urlMatch)
	if err != nil {
		disconnect()
		return nil, err
	}
	log.Info("Attaching to browser tab", "title", info.Title, "url", info.URL)

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
	cancel := func() {
		tabCancel()
		disconnect()
	}
	f := &Feed{ctx: tabCtx, cancel: cancel, log: log}
	if err := chromedp.Run(tabCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("attaching to tab: %w", err)
	}
	if err := ctx.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("attaching to tab: %w", err)
	}
	return f, nil
}

// pickTarget returns the first page whose URL contains urlMatch
func pickTarget(targets []*target.Info, urlMatch string) (*target.Info, error) {
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		if urlMatch == "" || strings.Contains(t.URL, urlMatch) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoTarget, urlMatch)
}

// Close detaches from the browser. The tab stays open.
func (f *Feed) Close() error {
	release(f.ctx)
	f.cancel()
	return nil
}

// release makes chromedp forget the attached tab. Cancelling a context that
// attached to a tab of a remote browser otherwise closes the tab.
func release(ctx context.Context) {
	if c := chromedp.FromContext(ctx); c != nil {
		c.Target = nil
	}
}

// run executes actions on the tab, bounded by ctx
func (f *Feed) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

// OpenChat searches the chat list for name and opens the first result.
func (f *Feed) OpenChat(ctx context.Context, name string) error {
	f.log.Info("Opening chat", "name", name)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := f.run(ctx,
		chromedp.WaitVisible(searchEntryXPath, chromedp.BySearch),
		chromedp.Click(searchEntryXPath, chromedp.BySearch),
		chromedp.WaitVisible(searchInput, chromedp.ByQuery),
		chromedp.SendKeys(searchInput, name, chromedp.ByQuery),
		chromedp.WaitVisible(firstResultXPath, chromedp.BySearch),
		chromedp.Click(firstResultXPath, chromedp.BySearch),
		chromedp.WaitVisible(paneSelector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("opening chat %q: %w", name, err)
	}
	return nil
}

// VisibleItems lists the rendered message rows in DOM order.
func (f *Feed) VisibleItems(ctx context.Context) ([]capture.Item, error) {
	var raw []rawItem
	if err := f.run(ctx, chromedp.Evaluate(listRowsJS, &raw)); err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	items := make([]capture.Item, 0, len(raw))
	for _, r := range raw {
		items = append(items, r.item())
	}
	return items, nil
}

// Locate reads the row with the id, if it is rendered.
func (f *Feed) Locate(ctx context.Context, id string) (capture.Item, bool, error) {
	quoted, err := json.Marshal(id)
	if err != nil {
		return capture.Item{}, false, fmt.Errorf("encoding id: %w", err)
	}
	var raw *rawItem
	if err := f.run(ctx, chromedp.Evaluate(fmt.Sprintf(locateRowJS, quoted), &raw)); err != nil {
		return capture.Item{}, false, fmt.Errorf("locating row %s: %w", id, err)
	}
	if raw == nil {
		return capture.Item{}, false, nil
	}
	return raw.item(), true, nil
}

// Scroll moves the conversation pane.
func (f *Feed) Scroll(ctx context.Context, cmd capture.ScrollCommand) error {
	action, _ := json.Marshal(cmd.Kind.String())
	id, _ := json.Marshal(cmd.ID)

	var moved bool
	if err := f.run(ctx, chromedp.Evaluate(fmt.Sprintf(scrollJS, action, id), &moved)); err != nil {
		return fmt.Errorf("scrolling %s: %w", cmd.Kind, err)
	}
	if !moved {
		return fmt.Errorf("scrolling %s: pane or row not rendered", cmd.Kind)
	}
	return nil
}

// Metrics reads the scroll position of the pane.
func (f *Feed) Metrics(ctx context.Context) (capture.ScrollMetrics, error) {
	var m struct {
		ScrollTop    float64 `json:"scrollTop"`
		ScrollHeight float64 `json:"scrollHeight"`
		ClientHeight float64 `json:"clientHeight"`
	}
	if err := f.run(ctx, chromedp.Evaluate(metricsJS, &m)); err != nil {
		return capture.ScrollMetrics{}, fmt.Errorf("reading scroll metrics: %w", err)
	}
	return capture.ScrollMetrics{
		ScrollTop:    m.ScrollTop,
		ScrollHeight: m.ScrollHeight,
		ClientHeight: m.ClientHeight,
	}, nil
}

// FetchMedia downloads an attachment. blob: urls only resolve inside the
// page, so they are read there; data: urls are decoded locally.
func (f *Feed) FetchMedia(ctx context.Context, ref string) (*voucher.Media, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}

	quoted, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("encoding media ref: %w", err)
	}
	var dataURL string
	err = f.run(ctx, chromedp.Evaluate(fmt.Sprintf(fetchBlobJS, quoted), &dataURL, awaitPromise))
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref, err)
	}
	return decodeDataURL(dataURL)
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// decodeDataURL decodes an RFC 2397 data url
func decodeDataURL(s string) (*voucher.Media, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data url")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data url without payload")
	}

	isBase64 := false
	if h, found := strings.CutSuffix(header, ";base64"); found {
		header = h
		isBase64 = true
	}

	contentType := "application/octet-stream"
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			contentType = mt
		}
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding data url: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("unescaping data url: %w", err)
		}
		data = []byte(unescaped)
	}

	return &voucher.Media{Data: data, ContentType: contentType}, nil
}
