package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/zombor/voucher-capture/internal/voucher"
)

// Header is the fixed column order of the tabular sink.
var Header = []string{
	"data_id",
	"timestamp",
	"sender",
	string(voucher.FieldCustomerName),
	string(voucher.FieldPhone),
	string(voucher.FieldProduct),
	string(voucher.FieldServiceOrDesc),
	string(voucher.FieldPaymentMethod),
	string(voucher.FieldAccount),
	string(voucher.FieldDetail),
	"img_src_blob",
	"img_src_data",
	"img_file",
}

// CSV appends records to a spreadsheet friendly file, one row per record
type CSV struct {
	mu   sync.Mutex
	path string
}

// NewCSV creates the file with its header row when it does not exist yet.
func NewCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	switch {
	case errors.Is(err, os.ErrExist):
		return &CSV{path: path}, nil
	case err != nil:
		return nil, fmt.Errorf("creating csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	return &CSV{path: path}, nil
}

// Path returns the file the sink writes to
func (c *CSV) Path() string {
	return c.path
}

// Append writes one row and syncs it to disk.
func (c *CSV) Append(rec *voucher.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row(rec)); err != nil {
		return fmt.Errorf("writing csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing csv row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing csv: %w", err)
	}
	return nil
}

func row(rec *voucher.Record) []string {
	return []string{
		rec.ID,
		rec.Timestamp,
		rec.Sender,
		rec.Fields.Get(voucher.FieldCustomerName),
		rec.Fields.Get(voucher.FieldPhone),
		rec.Fields.Get(voucher.FieldProduct),
		rec.Fields.Get(voucher.FieldServiceOrDesc),
		rec.Fields.Get(voucher.FieldPaymentMethod),
		rec.Fields.Get(voucher.FieldAccount),
		rec.Fields.Get(voucher.FieldDetail),
		rec.PrimaryMedia().Source,
		rec.SecondaryMedia().Source,
		rec.PrimaryMedia().Path,
	}
}

// ReadCSVIDs returns the first column of every row after the header, in
// file order, skipping blanks. On a read error the ids collected so far are
// returned together with the error.
func ReadCSVIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var ids []string
	header := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			return ids, nil
		}
		if err != nil {
			return ids, fmt.Errorf("reading csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(record) == 0 {
			continue
		}
		if id := strings.TrimSpace(record[0]); id != "" {
			ids = append(ids, id)
		}
	}
}
