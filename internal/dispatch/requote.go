package dispatch

import "strings"

const upperhex = "0123456789ABCDEF"

// RequoteURL percent-encodes every byte that cannot appear literally in a
// URL, leaving reserved characters and existing escapes untouched. A '%' that
// does not start a valid escape becomes "%25". Already-valid URLs come back
// unchanged, so requoting twice is a no-op.
func RequoteURL(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '%':
			if i+2 < len(raw) && isHex(raw[i+1]) && isHex(raw[i+2]) {
				b.WriteByte(c)
			} else {
				b.WriteString("%25")
			}
		case keepLiteral(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

// keepLiteral reports unreserved characters plus the reserved set that
// carries URL structure.
func keepLiteral(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-._~!#$&'()*+,/:;=?@[]", c) >= 0
}

func isHex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}
