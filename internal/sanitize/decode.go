package sanitize

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// decodeToken decodes a base64-like token leniently: padding and anything after
// the first '=' is dropped, and a dangling sextet is trimmed. ok is false when
// the token is not base64 or does not decode to text.
func decodeToken(token string) (string, bool) {
	t := token
	if i := strings.IndexByte(t, '='); i >= 0 {
		t = t[:i]
	}
	if len(t)%4 == 1 {
		t = t[:len(t)-1]
	}
	if t == "" {
		return "", false
	}
	raw, err := base64.RawStdEncoding.DecodeString(t)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}
