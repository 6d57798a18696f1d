package crypto

import "strings"

// DisplayKey groups an unpadded base64 key in blocks of four characters, the
// form clients show next to a device when comparing keys by hand.
func DisplayKey(pub []byte) string {
	s := B64(pub)
	var b strings.Builder
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(s))
		b.WriteString(s[i:end])
	}
	return b.String()
}
