package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/zombor/voucher-capture/internal/voucher"
)

const (
	headerRange  = "B2:J2"
	monthColumn  = "B1:B"
	firstDataRow = 3
)

// Sheets appends one movement per record to the worksheet of its month
type Sheets struct {
	service       *sheets.Service
	spreadsheetID string
	log           *slog.Logger

	mu      sync.Mutex
	headers map[string][]string
	// rows serializes writes so two records never claim the same row
	rows sync.Mutex
}

// NewSheets creates a Sheets forwarder authenticated with a service account
// credentials file
func NewSheets(ctx context.Context, credentialsFile, spreadsheetID string, log *slog.Logger) (*Sheets, error) {
	service, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	return NewSheetsWithService(service, spreadsheetID, log), nil
}

// NewSheetsWithService creates a Sheets forwarder with an existing client
func NewSheetsWithService(service *sheets.Service, spreadsheetID string, log *slog.Logger) *Sheets {
	if log == nil {
		log = slog.Default()
	}
	return &Sheets{
		service:       service,
		spreadsheetID: spreadsheetID,
		log:           log,
		headers:       make(map[string][]string),
	}
}

// Forward writes the record to the next free row of its monthly worksheet.
// Records without a recognizable date are skipped.
func (s *Sheets) Forward(ctx context.Context, rec *voucher.Record) error {
	payload, ok := BuildPayload(rec)
	if !ok {
		s.log.Debug("No date found, not forwarding", "id", rec.ID)
		return nil
	}
	title := payload.Title()
	if title == "" {
		return fmt.Errorf("no worksheet for month %q", payload.Month)
	}

	headers, err := s.worksheetHeaders(ctx, title)
	if err != nil {
		return err
	}

	s.rows.Lock()
	defer s.rows.Unlock()

	row, err := s.nextRow(ctx, title)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s!B%d:J%d", title, row, row)
	values := &sheets.ValueRange{Values: [][]any{payload.Row(headers)}}
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, target, values).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}

	s.log.Info("Forwarded record", "id", rec.ID, "worksheet", title, "row", row)
	return nil
}

// worksheetHeaders reads and caches the header row of a worksheet
func (s *Sheets) worksheetHeaders(ctx context.Context, title string) ([]string, error) {
	s.mu.Lock()
	cached, ok := s.headers[title]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, title+"!"+headerRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("reading headers of %s: %w", title, err)
	}
	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		return nil, fmt.Errorf("worksheet %s has no headers in %s", title, headerRange)
	}

	headers := make([]string, 0, len(resp.Values[0]))
	for _, v := range resp.Values[0] {
		headers = append(headers, fmt.Sprint(v))
	}

	s.mu.Lock()
	s.headers[title] = headers
	s.mu.Unlock()
	return headers, nil
}

// nextRow is the row after the last non-empty cell of the month column
func (s *Sheets) nextRow(ctx context.Context, title string) (int, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, title+"!"+monthColumn).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("reading month column of %s: %w", title, err)
	}
	if n := len(resp.Values); n > 1 {
		return n + 1, nil
	}
	return firstDataRow, nil
}
