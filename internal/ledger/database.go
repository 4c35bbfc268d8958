package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/voucher-capture/internal/voucher"
)

const (
	recordsBucket    = "records"
	signaturesBucket = "signatures"
	orderBucket      = "order"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("record not found")

// DB defines the interface for ledger operations
type DB interface {
	// SaveRecord stores a record once. Saving an id that already exists is a no-op.
	SaveRecord(rec *voucher.Record) error

	// GetRecord retrieves a record by ID
	GetRecord(id string) (*voucher.Record, error)

	// ListRecords returns all records in capture order
	ListRecords() ([]*voucher.Record, error)

	// FindBySignature returns the first record captured with the signature
	FindBySignature(signature string) (*voucher.Record, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{recordsBucket, signaturesBucket, orderBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Append lets the ledger be used as a capture sink
func (b *BoltDB) Append(rec *voucher.Record) error {
	return b.SaveRecord(rec)
}

// SaveRecord stores the record, indexes its signature and appends it to the
// capture order, all in one transaction.
func (b *BoltDB) SaveRecord(rec *voucher.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("saving record: empty id")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(recordsBucket))
		if records.Get([]byte(rec.ID)) != nil {
			return nil
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := records.Put([]byte(rec.ID), data); err != nil {
			return err
		}

		if rec.Signature != "" {
			sigs := tx.Bucket([]byte(signaturesBucket))
			if sigs.Get([]byte(rec.Signature)) == nil {
				if err := sigs.Put([]byte(rec.Signature), []byte(rec.ID)); err != nil {
					return err
				}
			}
		}

		order := tx.Bucket([]byte(orderBucket))
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return order.Put(key, []byte(rec.ID))
	})
}

// GetRecord retrieves a record by ID
func (b *BoltDB) GetRecord(id string) (*voucher.Record, error) {
	var rec *voucher.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func getRecord(tx *bbolt.Tx, id string) (*voucher.Record, error) {
	data := tx.Bucket([]byte(recordsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec voucher.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

// ListRecords returns all records in capture order
func (b *BoltDB) ListRecords() ([]*voucher.Record, error) {
	records := make([]*voucher.Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(orderBucket)).ForEach(func(_, id []byte) error {
			rec, err := getRecord(tx, string(id))
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindBySignature returns the first record captured with the signature
func (b *BoltDB) FindBySignature(signature string) (*voucher.Record, error) {
	var rec *voucher.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(signaturesBucket)).Get([]byte(signature))
		if id == nil {
			return fmt.Errorf("%w: signature %s", ErrNotFound, signature)
		}
		var err error
		rec, err = getRecord(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
