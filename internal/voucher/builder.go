package voucher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/voucher-capture/internal/scanning"
)

var (
	// ErrIncomplete means the message is not a voucher: no id, no media, no
	// text or no recognized fields.
	ErrIncomplete = errors.New("message is not a complete voucher")

	// ErrMediaUnavailable means the attachment could not be fetched yet.
	ErrMediaUnavailable = errors.New("media not available")
)

// Message is the raw material of a record as read from the feed
type Message struct {
	ID string
	// Text is the message body, one line per text span
	Text string
	// Meta is the pre-text blob carrying timestamp and sender
	Meta string
	// BlobRef is the full size image, only present once WhatsApp has
	// downloaded it. DataRef is the inline thumbnail shown meanwhile.
	BlobRef string
	DataRef string
}

// Media is a fetched attachment
type Media struct {
	Data        []byte
	ContentType string
}

// MediaFetcher downloads an attachment by its source reference
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref string) (*Media, error)
}

// MediaStore persists attachment bytes and returns where they were stored
type MediaStore interface {
	Save(filename string, data []byte) (string, error)
}

// Builder downloads, stores and scans the media of prepared records
type Builder struct {
	fetcher MediaFetcher
	store   MediaStore
	scanner scanning.Scanner
	log     *slog.Logger
}

// NewBuilder creates a Builder. scanner may be nil.
func NewBuilder(fetcher MediaFetcher, store MediaStore, scanner scanning.Scanner, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		fetcher: fetcher,
		store:   store,
		scanner: scanner,
		log:     log,
	}
}

// Prepare builds the record from the message alone. The signature is
// available afterwards, so a caller can decide whether the media is worth
// fetching.
func Prepare(msg Message) (*Record, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrIncomplete)
	}

	blob := strings.TrimSpace(msg.BlobRef)
	thumb := strings.TrimSpace(msg.DataRef)
	if blob == "" && thumb == "" {
		return nil, fmt.Errorf("%w: no media attached", ErrIncomplete)
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrIncomplete)
	}

	fields, ok := Extract(text)
	if !ok {
		return nil, fmt.Errorf("%w: no recognized fields", ErrIncomplete)
	}

	if blob == "" {
		return nil, fmt.Errorf("%w: only the thumbnail has loaded", ErrMediaUnavailable)
	}

	ts, sender := ParseMeta(msg.Meta)

	rec := &Record{
		ID:        msg.ID,
		Timestamp: ts,
		Sender:    sender,
		RawText:   text,
		Fields:    fields,
	}
	rec.Media = append(rec.Media, MediaRef{Source: blob})
	if thumb != "" {
		rec.Media = append(rec.Media, MediaRef{Source: thumb})
	}
	rec.Signature = Signature(ts, sender, text, blob, thumb)
	return rec, nil
}

// Attach fetches the primary media, stores it and, when a scanner is
// configured, reads the voucher image. Scan failures are logged only.
func (b *Builder) Attach(ctx context.Context, rec *Record) error {
	primary := rec.PrimaryMedia()
	media, err := b.fetcher.FetchMedia(ctx, primary.Source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if len(media.Data) == 0 {
		return fmt.Errorf("%w: empty body for %s", ErrMediaUnavailable, primary.Source)
	}

	filename := fileStem(rec.ID) + "." + MediaExtension(media.ContentType)

	var (
		path string
		scan *scanning.VoucherData
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := b.store.Save(filename, media.Data)
		if err != nil {
			return fmt.Errorf("saving media: %w", err)
		}
		path = p
		return nil
	})
	if b.scanner != nil {
		g.Go(func() error {
			s, err := b.scanner.ScanVoucher(gctx, media.Data, media.ContentType)
			if err != nil {
				b.log.Warn("Voucher scan failed", "id", rec.ID, "error", err)
				return nil
			}
			scan = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rec.Media[0].Path = path
	rec.Media[0].ContentType = media.ContentType
	rec.Scan = scan
	return nil
}

var unsafeStemRe = regexp.MustCompile(`[^a-zA-Z0-9_\-]+`)

// fileStem turns a feed id such as "false_51999@c.us_3EB0" into a safe file
// name stem.
func fileStem(id string) string {
	stem := strings.Trim(unsafeStemRe.ReplaceAllString(id, "_"), "_")
	if len(stem) > 120 {
		stem = stem[:120]
	}
	if stem == "" {
		stem = "media"
	}
	return stem
}
