package forward

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/voucher-capture/internal/voucher"
)

// StatusDone is the status of every forwarded movement
const StatusDone = "REALIZADO"

var monthAbbreviations = [12]string{
	"ENE", "FEB", "MAR", "ABR", "MAY", "JUN",
	"JUL", "AGO", "SEP", "OCT", "NOV", "DIC",
}

// MonthTitles maps a month abbreviation to its worksheet title
var MonthTitles = map[string]string{
	"ENE": "ENERO",
	"FEB": "FEBRERO",
	"MAR": "MARZO",
	"ABR": "ABRIL",
	"MAY": "MAYO",
	"JUN": "JUNIO",
	"JUL": "JULIO",
	"AGO": "AGOSTO",
	"SEP": "SEPTIEMBRE",
	"OCT": "OCTUBRE",
	"NOV": "NOVIEMBRE",
	"DIC": "DICIEMBRE",
}

var paymentAliases = []struct {
	canonical string
	tokens    []string
}{
	{"BCP", []string{"yape", "bcp"}},
	{"LIGO", []string{"plin", "ligo"}},
	{"EFECTIVO", []string{"efectivo", "cash"}},
}

var datePattern = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{2,4})`)

// Payload is one movement row of the monthly worksheet
type Payload struct {
	Month           string
	Date            string
	OperationNumber string
	Description     string
	Detail          string
	PaymentMethod   string
	Status          string
	Income          float64
	Expense         float64
}

// Sheet column headers
const (
	HeaderMonth           = "MES"
	HeaderDate            = "FECHA"
	HeaderOperationNumber = "N° DE OPERACIÓN"
	HeaderDescription     = "DESCRIPCIÓN"
	HeaderDetail          = "DETALLE"
	HeaderPaymentMethod   = "MÉTODO DE PAGO"
	HeaderStatus          = "ESTADO"
	HeaderIncome          = "INGRESOS"
	HeaderExpense         = "EGRESOS"
)

// Title is the worksheet the payload belongs to
func (p Payload) Title() string {
	return MonthTitles[p.Month]
}

// Row lays the payload out in the order of headers. Unknown headers get an
// empty cell.
func (p Payload) Row(headers []string) []any {
	values := map[string]any{
		HeaderMonth:           p.Month,
		HeaderDate:            p.Date,
		HeaderOperationNumber: p.OperationNumber,
		HeaderDescription:     p.Description,
		HeaderDetail:          p.Detail,
		HeaderPaymentMethod:   p.PaymentMethod,
		HeaderStatus:          p.Status,
		HeaderIncome:          p.Income,
		HeaderExpense:         p.Expense,
	}
	row := make([]any, 0, len(headers))
	for _, h := range headers {
		v, ok := values[strings.TrimSpace(h)]
		if !ok {
			v = ""
		}
		row = append(row, v)
	}
	return row
}

// BuildPayload normalizes a record for the monthly worksheet. It reports
// false when no calendar date can be found in the timestamp or the text.
func BuildPayload(rec *voucher.Record) (Payload, bool) {
	date, ok := extractDate(rec.Timestamp, rec.RawText)
	if !ok {
		return Payload{}, false
	}

	operation := strings.TrimSpace(rec.Fields.Get(voucher.FieldAccount))
	var income float64
	if rec.Scan != nil {
		if operation == "" {
			operation = rec.Scan.OperationNumber
		}
		income = rec.Scan.Amount
	}

	return Payload{
		Month:           monthAbbreviations[date.Month()-1],
		Date:            date.Format("02/01/2006"),
		OperationNumber: operation,
		Description:     strings.TrimSpace(rec.Fields.Get(voucher.FieldServiceOrDesc)),
		Detail:          strings.TrimSpace(rec.Fields.Get(voucher.FieldDetail)),
		PaymentMethod:   NormalizePaymentMethod(rec.Fields.Get(voucher.FieldPaymentMethod)),
		Status:          StatusDone,
		Income:          income,
	}, true
}

// NormalizePaymentMethod maps wallet and bank names onto the account they
// settle into.
func NormalizePaymentMethod(raw string) string {
	if raw == "" {
		return ""
	}
	lowered := strings.ToLower(raw)
	for _, alias := range paymentAliases {
		for _, token := range alias.tokens {
			if strings.Contains(lowered, token) {
				return alias.canonical
			}
		}
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

// extractDate returns the first valid d/m/y date found in the candidates
func extractDate(candidates ...string) (time.Time, bool) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		m := datePattern.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		t, err := validDate(year, month, day)
		if err != nil {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func validDate(year, month, day int) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, fmt.Errorf("invalid date %d-%d-%d", year, month, day)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid date %d-%d-%d", year, month, day)
	}
	return t, nil
}
