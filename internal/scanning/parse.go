package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateLayouts are tried in order when the model does not return ISO dates.
// Vouchers from Peruvian banks print day first.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2/1/2006",
}

// parseVoucherJSON parses the JSON response from a vision model
func parseVoucherJSON(text string) (*VoucherData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var data VoucherData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.Date = normalizeDate(data.Date)
	data.OperationNumber = strings.Join(strings.Fields(data.OperationNumber), "")
	data.Bank = strings.ToUpper(strings.TrimSpace(data.Bank))

	return &data, nil
}

// normalizeDate returns the date as YYYY-MM-DD, or "" when it cannot be read.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
