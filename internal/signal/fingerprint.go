package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// CanonicalJSON serializes the immutable fields of a signal into the byte
// form the fingerprint is computed over: keys sorted lexicographically, no
// whitespace, numbers in shortest round-trip form, timestamp in RFC3339Nano
// UTC, absent optional prices as null. Clients recompute this byte-for-byte,
// so the layout here is a wire contract.
func CanonicalJSON(s *Signal) []byte {
	var b strings.Builder
	b.Grow(256)
	b.WriteByte('{')
	b.WriteString(`"action":`)
	writeJSONString(&b, string(s.Action))
	b.WriteString(`,"confidence":`)
	b.WriteString(formatNumber(s.Confidence))
	b.WriteString(`,"entry_price":`)
	b.WriteString(formatNumber(s.EntryPrice))
	b.WriteString(`,"signal_id":`)
	writeJSONString(&b, s.SignalID)
	b.WriteString(`,"stop_price":`)
	writeOptionalNumber(&b, s.StopPrice)
	b.WriteString(`,"strategy":`)
	writeJSONString(&b, s.StrategyVersion)
	b.WriteString(`,"symbol":`)
	writeJSONString(&b, s.Symbol)
	b.WriteString(`,"target_price":`)
	writeOptionalNumber(&b, s.TargetPrice)
	b.WriteString(`,"timestamp":`)
	writeJSONString(&b, s.GeneratedAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('}')
	return []byte(b.String())
}

// ComputeFingerprint returns the lowercase hex SHA-256 of the canonical
// serialization.
func ComputeFingerprint(s *Signal) string {
	sum := sha256.Sum256(CanonicalJSON(s))
	return hex.EncodeToString(sum[:])
}

// Seal computes and installs the fingerprint on a signal.
func (s *Signal) Seal() {
	s.Fingerprint = ComputeFingerprint(s)
}

// VerifyFingerprint recomputes the digest and compares it to the stored one.
func VerifyFingerprint(s *Signal) bool {
	return s.Fingerprint == ComputeFingerprint(s)
}

// formatNumber renders a float in its shortest form that round-trips to the
// same float64.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeOptionalNumber(b *strings.Builder, f *float64) {
	if f == nil {
		b.WriteString("null")
		return
	}
	b.WriteString(formatNumber(*f))
}

// writeJSONString writes a minimally escaped JSON string. Signal ids, symbols
// and versions are plain ASCII; escaping covers the general case anyway.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				const hexDigits = "0123456789abcdef"
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[byte(r)>>4])
				b.WriteByte(hexDigits[byte(r)&0xf])
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
