package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp"
)

// voucherScanPrompt is sent to every vision model
const voucherScanPrompt = `The image is a payment voucher: a Yape or Plin screenshot, a bank transfer receipt or a deposit slip. Read it and extract:

1. **Operation number**: the "N° de operación", "Código de operación" or transaction number. Digits only.
2. **Bank**: the wallet or bank that issued the voucher, e.g. "YAPE", "PLIN", "BCP", "INTERBANK".
3. **Date**: the operation date in YYYY-MM-DD format. Vouchers print dates day first.
4. **Amount**: the amount paid as a number, e.g. 35.50 for "S/ 35.50".

Return ONLY valid JSON in this exact format:
{
  "operation_number": "12345678",
  "bank": "YAPE",
  "date": "YYYY-MM-DD",
  "amount": 0.00
}

If a field cannot be read use an empty string, or 0 for the amount. Do not add text around the JSON.`

// heifBrands are the ISO base media brands used by HEIC and HEIF files
var heifBrands = map[string]bool{"heic": true, "heix": true, "heif": true, "mif1": true, "msf1": true}

// pngImage is an attachment ready to hand to a model
type pngImage struct {
	Data []byte
	// Converted is false when the attachment already was a PNG
	Converted bool
}

// toPNG renders an attachment as PNG. PDFs contribute their first page.
func toPNG(data []byte, contentType string) (pngImage, error) {
	kind := mediaType(contentType)

	var (
		img image.Image
		err error
	)
	switch {
	case kind == "application/pdf":
		img, err = firstPDFPage(data)
	case isHEICFormat(data) || strings.Contains(kind, "heic") || strings.Contains(kind, "heif"):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC: %w", err)
		}
	case kind == "image/png":
		return pngImage{Data: data}, nil
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if errors.Is(err, image.ErrFormat) {
			err = fmt.Errorf("unsupported %s attachment: %w", kind, err)
		} else if err != nil {
			err = fmt.Errorf("decoding %s: %w", kind, err)
		}
	}
	if err != nil {
		return pngImage{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return pngImage{}, fmt.Errorf("encoding PNG: %w", err)
	}
	return pngImage{Data: buf.Bytes(), Converted: true}, nil
}

func firstPDFPage(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// mediaType strips parameters from a content type. WhatsApp photos carry no
// type at all, so the empty value means JPEG.
func mediaType(contentType string) string {
	kind, _, err := mime.ParseMediaType(contentType)
	if err != nil || kind == "" {
		kind = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	if kind == "" {
		return "image/jpeg"
	}
	return kind
}

// isHEICFormat looks for an ftyp box with a HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	return heifBrands[string(data[8:12])]
}
