package voucher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// boundaryLabels are every label that can start the next field on the same
// line. Display labels from forwarded summaries are included so a value never
// swallows them.
const boundaryLabels = `Nombre\s*de\s*cliente` +
	`|N[°º]\s*de\s*cel` +
	`|Producto\s*y\s*cantidad` +
	`|Servicio` +
	`|Descripci[oó]n` +
	`|M[eé]todo\s*(?:de\s*)?pago` +
	`|Cuenta` +
	`|Detalle` +
	`|Nombre` +
	`|Remitente` +
	`|Img\s*(?:SRC|File)?` +
	`|Fecha\s*/?\s*Hora` +
	`|Capturado`

var boundaryRe = regexp.MustCompile(`(?i)\s{2,}(?:` + boundaryLabels + `)\s*:`)

type fieldPattern struct {
	field Field
	label *regexp.Regexp
	// valid, when set, must match the whole value
	valid *regexp.Regexp
}

var fieldPatterns = []fieldPattern{
	{field: FieldCustomerName, label: regexp.MustCompile(`(?i)Nombre\s*de\s*cliente:`)},
	{
		field: FieldPhone,
		label: regexp.MustCompile(`(?i)(?:N[°º]\s*de\s*cel|N[°º]\s*cel|Cel(?:ular)?):`),
		valid: regexp.MustCompile(`^\+?\d[\d\s]+$`),
	},
	{field: FieldProduct, label: regexp.MustCompile(`(?i)Producto\s*y\s*cantidad:`)},
	{field: FieldService, label: regexp.MustCompile(`(?i)\bServicio:`)},
	{field: FieldDescription, label: regexp.MustCompile(`(?i)\bDescripci[oó]n:`)},
	{field: FieldPaymentMethod, label: regexp.MustCompile(`(?i)M[eé]todo\s*(?:de\s*)?pago:`)},
	{field: FieldAccount, label: regexp.MustCompile(`(?i)\bCuenta:`)},
	{field: FieldDetail, label: regexp.MustCompile(`(?i)\bDetalle:`)},
}

// Extract pulls the labeled fields out of a message body. It reports false
// when none of the recognized fields are present, which means the message is
// not a voucher.
func Extract(text string) (Fields, bool) {
	fields := Fields{}
	for _, p := range fieldPatterns {
		if v, ok := p.find(text); ok {
			fields[p.field] = v
		}
	}

	if _, ok := fields[FieldDetail]; !ok {
		if detail := impliedDetail(text); detail != "" {
			fields[FieldDetail] = detail
		}
	}

	service, desc := fields[FieldService], fields[FieldDescription]
	switch {
	case desc != "":
		fields[FieldServiceOrDesc] = desc
	case service != "":
		fields[FieldServiceOrDesc] = service
	}

	for _, f := range RecognizedFields {
		if _, ok := fields[f]; ok {
			return fields, true
		}
	}
	return nil, false
}

// find returns the first occurrence of the label that carries a usable value.
func (p fieldPattern) find(text string) (string, bool) {
	for _, loc := range p.label.FindAllStringIndex(text, -1) {
		rest := strings.TrimLeftFunc(text[loc[1]:], unicode.IsSpace)
		if rest == "" {
			continue
		}

		end := len(rest)
		if i := strings.IndexAny(rest, "\r\n"); i >= 0 {
			end = i
		}
		if m := boundaryRe.FindStringIndex(rest); m != nil && m[0] < end {
			end = m[0]
		}

		value := rest[:end]
		if p.valid != nil && !p.valid.MatchString(value) {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, true
		}
	}
	return "", false
}

var (
	segmentSplitRe = regexp.MustCompile(`[\r\n]+`)
	anticipoRe     = regexp.MustCompile(`(?i)ANTICIPO`)
	anticipoTailRe = regexp.MustCompile(`(?i)ANTICIPO\b[\s:\-]*([^\r\n]*)`)
	nonAlnumRe     = regexp.MustCompile(`[^a-z0-9]+`)
)

// knownPrefixes are normalized label prefixes. A segment starting with one of
// them is a field, not free text.
var knownPrefixes = []string{
	"nombre de cliente",
	"n de cel",
	"n de celular",
	"producto y cantidad",
	"producto",
	"servicio",
	"serv desc",
	"servicio descripcion",
	"descripcion",
	"metodo de pago",
	"metodo pago",
	"metodo",
	"cuenta",
	"img src",
	"img file",
	"imagen",
	"capturado",
	"fecha hora",
	"remitente",
	"nombre",
}

// impliedDetail derives a detail from free text when no Detalle label exists.
// An ANTICIPO mention wins, otherwise the last line that is not a field.
func impliedDetail(text string) string {
	segments := segmentMessage(text)

	for i := len(segments) - 1; i >= 0; i-- {
		if !anticipoRe.MatchString(segments[i]) {
			continue
		}
		if d := anticipoRemainder(segments[i]); d != "" {
			return d
		}
	}

	for i := len(segments) - 1; i >= 0; i-- {
		if isKnownField(segments[i]) {
			continue
		}
		if d := strings.TrimSpace(strings.TrimLeft(segments[i], "-•:·")); d != "" {
			return d
		}
	}
	return ""
}

func segmentMessage(text string) []string {
	var segments []string
	for _, line := range segmentSplitRe.Split(text, -1) {
		for _, part := range strings.Split(line, "✅") {
			if part = strings.TrimSpace(part); part != "" {
				segments = append(segments, part)
			}
		}
	}
	return segments
}

func anticipoRemainder(segment string) string {
	if m := anticipoTailRe.FindStringSubmatch(segment); m != nil {
		if r := strings.TrimSpace(m[1]); r != "" {
			return r
		}
	}
	parts := anticipoRe.Split(segment, -1)
	return strings.Trim(parts[len(parts)-1], " :.-")
}

func isKnownField(segment string) bool {
	prefix := normalizePrefix(segment)
	if prefix == "" {
		return false
	}
	for _, known := range knownPrefixes {
		if strings.HasPrefix(prefix, known) {
			return true
		}
	}
	return false
}

// normalizePrefix folds the text before the first colon down to lowercase
// ascii words: "N° de Cél:" becomes "n de cel".
func normalizePrefix(segment string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(stripMarks, segment)
	if err != nil {
		folded = segment
	}
	folded = strings.NewReplacer("º", "", "°", "").Replace(folded)
	folded = strings.ToLower(folded)
	folded, _, _ = strings.Cut(folded, ":")
	folded = nonAlnumRe.ReplaceAllString(folded, " ")
	return strings.TrimSpace(folded)
}
