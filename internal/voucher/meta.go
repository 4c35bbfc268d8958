package voucher

import (
	"regexp"
	"strings"
)

var metaRe = regexp.MustCompile(`\[(.*?)\]\s*(.*?):\s*$`)

// ParseMeta splits the pre-text attribute of a chat bubble, shaped like
// "[10:42, 3/2/2025] Ana Pérez: ", into its timestamp and sender.
func ParseMeta(blob string) (timestamp, sender string) {
	m := metaRe.FindStringSubmatch(blob)
	if m == nil {
		return "", ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

// MediaExtension picks a file extension for a media content type.
func MediaExtension(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return "png"
	case strings.Contains(ct, "webp"):
		return "webp"
	case strings.Contains(ct, "gif"):
		return "gif"
	default:
		return "jpg"
	}
}
