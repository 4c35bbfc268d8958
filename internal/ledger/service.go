package ledger

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/zombor/voucher-capture/internal/checkpoint"
	"github.com/zombor/voucher-capture/internal/voucher"
)

// CheckpointSource exposes the live capture progress
type CheckpointSource interface {
	Snapshot() checkpoint.Snapshot
}

// Filter narrows a record listing. Zero values match everything.
type Filter struct {
	Sender        string
	PaymentMethod string
	// Signature finds the record a message was first captured as, whatever
	// id the feed gave it
	Signature string
	Limit     int
}

func (f Filter) matches(rec *voucher.Record) bool {
	if f.Sender != "" && !strings.EqualFold(rec.Sender, f.Sender) {
		return false
	}
	if f.PaymentMethod != "" && !strings.EqualFold(rec.Fields.Get(voucher.FieldPaymentMethod), f.PaymentMethod) {
		return false
	}
	return true
}

// Service handles read access to captured records
type Service struct {
	db         DB
	storage    Storage
	checkpoint CheckpointSource
}

// NewService creates a new Service. checkpoint may be nil.
func NewService(db DB, storage Storage, checkpoint CheckpointSource) *Service {
	return &Service{
		db:         db,
		storage:    storage,
		checkpoint: checkpoint,
	}
}

// GetRecord retrieves a record by ID
func (s *Service) GetRecord(id string) (*voucher.Record, error) {
	rec, err := s.db.GetRecord(id)
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return rec, nil
}

// ListRecords returns the newest records first
func (s *Service) ListRecords(f Filter) ([]*voucher.Record, error) {
	if f.Signature != "" {
		rec, err := s.db.FindBySignature(f.Signature)
		if errors.Is(err, ErrNotFound) {
			return []*voucher.Record{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("finding record by signature: %w", err)
		}
		if !f.matches(rec) {
			return []*voucher.Record{}, nil
		}
		return []*voucher.Record{rec}, nil
	}

	records, err := s.db.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	out := make([]*voucher.Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !f.matches(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// GetRecordMedia retrieves the stored voucher image for a record
func (s *Service) GetRecordMedia(id string) ([]byte, string, error) {
	rec, err := s.db.GetRecord(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting record: %w", err)
	}

	media := rec.PrimaryMedia()
	if media.Path == "" {
		return nil, "", fmt.Errorf("%w: no media stored for %s", ErrNotFound, id)
	}

	data, err := s.storage.Get(media.Path)
	if err != nil {
		return nil, "", fmt.Errorf("getting media: %w", err)
	}

	contentType := media.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(media.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Checkpoint returns the current capture progress
func (s *Service) Checkpoint() (checkpoint.Snapshot, bool) {
	if s.checkpoint == nil {
		return checkpoint.Snapshot{}, false
	}
	return s.checkpoint.Snapshot(), true
}
