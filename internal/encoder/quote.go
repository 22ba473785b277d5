package encoder

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"
)

var ErrNulByte = errors.New("string contains a NUL byte")

// isSingleQuote reports whether PowerShell treats r as a single-quote
// delimiter. The tokenizer accepts the typographic quotes as well as ASCII.
func isSingleQuote(r rune) bool {
	switch r {
	case '\'', '‘', '’', '‚', '‛':
		return true
	}
	return false
}

// Quote renders s as a PowerShell single-quoted string literal. Inside single
// quotes only quote characters are special, so each one is doubled.
func Quote(s string) (string, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return "", ErrNulByte
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		if isSingleQuote(r) {
			b.WriteRune(r)
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String(), nil
}

// EncodeCommand packs a script for powershell.exe -EncodedCommand:
// base64 of the UTF-16LE code units.
func EncodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
