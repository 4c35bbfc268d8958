package scanning

import "context"

// VoucherData contains what could be read off a payment voucher image
type VoucherData struct {
	OperationNumber string  `json:"operation_number"`
	Bank            string  `json:"bank"`
	Date            string  `json:"date"` // ISO 8601 format, empty when unreadable
	Amount          float64 `json:"amount"`
}

// Scanner defines the interface for voucher scanning operations
type Scanner interface {
	// ScanVoucher analyzes a voucher image/PDF and extracts payment metadata
	ScanVoucher(ctx context.Context, imageData []byte, contentType string) (*VoucherData, error)
	// Close closes the scanner and releases resources
	Close() error
}
