package voucher

import (
	"encoding/json"
	"fmt"

	"github.com/zombor/voucher-capture/internal/scanning"
)

// Field names a structured value recognized in a message body.
type Field string

// Labeled fields. The values double as column headers in the tabular sink.
const (
	FieldCustomerName  Field = "Nombre de cliente"
	FieldPhone         Field = "N° de cel"
	FieldProduct       Field = "Producto y cantidad"
	FieldService       Field = "Servicio"
	FieldDescription   Field = "Descripción"
	FieldServiceOrDesc Field = "servicio_o_descripcion"
	FieldPaymentMethod Field = "Método de pago"
	FieldAccount       Field = "Cuenta"
	FieldDetail        Field = "Detalle"
)

// RecognizedFields are the keys that make a message a capturable record.
// At least one of them must be populated.
var RecognizedFields = []Field{
	FieldCustomerName,
	FieldPhone,
	FieldProduct,
	FieldServiceOrDesc,
	FieldPaymentMethod,
	FieldAccount,
	FieldDetail,
}

// fieldOrder is the order fields are reported in.
var fieldOrder = []Field{
	FieldCustomerName,
	FieldPhone,
	FieldProduct,
	FieldService,
	FieldDescription,
	FieldServiceOrDesc,
	FieldPaymentMethod,
	FieldAccount,
	FieldDetail,
}

// Fields maps recognized labels to their extracted values.
type Fields map[Field]string

// Get returns the value for f, or "" when absent.
func (f Fields) Get(field Field) string {
	return f[field]
}

// Ordered returns the populated fields in their canonical order.
func (f Fields) Ordered() []Field {
	out := make([]Field, 0, len(f))
	for _, field := range fieldOrder {
		if _, ok := f[field]; ok {
			out = append(out, field)
		}
	}
	return out
}

// MediaRef points at an attachment in the feed and where it was persisted locally.
type MediaRef struct {
	Source      string `json:"source"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Record is one captured voucher message
type Record struct {
	ID        string
	Timestamp string
	Sender    string
	RawText   string
	Fields    Fields
	Media     []MediaRef
	Signature string
	Scan      *scanning.VoucherData
}

// PrimaryMedia returns the first media reference, or a zero value.
func (r *Record) PrimaryMedia() MediaRef {
	if len(r.Media) == 0 {
		return MediaRef{}
	}
	return r.Media[0]
}

// SecondaryMedia returns the second media reference, or a zero value.
func (r *Record) SecondaryMedia() MediaRef {
	if len(r.Media) < 2 {
		return MediaRef{}
	}
	return r.Media[1]
}

// Flat keys used by the line-delimited representation.
const (
	keyID        = "data_id"
	keyTimestamp = "timestamp"
	keySender    = "sender"
	keyRawText   = "raw_text"
	keyBlob      = "img_src_blob"
	keyData      = "img_src_data"
	keyFile      = "img_file"
	keyType      = "img_content_type"
	keySignature = "signature"
	keyScan      = "scan"
)

// MarshalJSON writes the record as one flat object so each line of the
// JSONL sink carries the metadata, the media references and every field.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := map[string]any{
		keyID:        r.ID,
		keyTimestamp: r.Timestamp,
		keySender:    r.Sender,
		keyRawText:   r.RawText,
		keyBlob:      r.PrimaryMedia().Source,
		keyData:      r.SecondaryMedia().Source,
		keyFile:      r.PrimaryMedia().Path,
		keySignature: r.Signature,
	}
	if ct := r.PrimaryMedia().ContentType; ct != "" {
		flat[keyType] = ct
	}
	for field, value := range r.Fields {
		flat[string(field)] = value
	}
	if r.Scan != nil {
		flat[keyScan] = r.Scan
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat representation written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}

	str := func(key string) string {
		raw, ok := flat[key]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}

	*r = Record{
		ID:        str(keyID),
		Timestamp: str(keyTimestamp),
		Sender:    str(keySender),
		RawText:   str(keyRawText),
		Signature: str(keySignature),
	}

	if blob := str(keyBlob); blob != "" {
		r.Media = append(r.Media, MediaRef{Source: blob, Path: str(keyFile), ContentType: str(keyType)})
		if data := str(keyData); data != "" {
			r.Media = append(r.Media, MediaRef{Source: data})
		}
	}

	for _, field := range fieldOrder {
		if v, ok := flat[string(field)]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil {
				if r.Fields == nil {
					r.Fields = Fields{}
				}
				r.Fields[field] = s
			}
		}
	}

	if raw, ok := flat[keyScan]; ok {
		var scan scanning.VoucherData
		if err := json.Unmarshal(raw, &scan); err == nil {
			r.Scan = &scan
		}
	}
	return nil
}
