package generic

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/text/encoding/unicode"
)

var utf16BOM = []byte{0xFE, 0xFF}

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)

// NewTextString encodes s as a PDF text string. ASCII text stays a literal
// string; anything else becomes UTF-16BE with a byte order mark.
func NewTextString(s string) *StringObject {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return NewLiteralString(s)
	}
	encoded, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// invalid UTF-8 input; keep the raw bytes
		return NewLiteralString(s)
	}
	return &StringObject{Value: encoded}
}

// Text decodes the string as a PDF text string.
func (s *StringObject) Text() string {
	if bytes.HasPrefix(s.Value, utf16BOM) {
		decoded, err := utf16be.NewDecoder().Bytes(s.Value)
		if err == nil {
			return string(decoded)
		}
	}
	return string(s.Value)
}

// FormatDate renders t as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := byte('+')
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	if offset == 0 {
		return t.Format("D:20060102150405") + "Z"
	}
	return fmt.Sprintf("%s%c%02d'%02d'", t.Format("D:20060102150405"), sign, offset/3600, (offset%3600)/60)
}
