package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"stagehand/internal/tasks"
)

// Encoding names a character encoding as it appears in options and
// results.
type Encoding string

const (
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF8BOM Encoding = "utf-8-bom"
	EncodingUTF16LE Encoding = "utf-16le"
	EncodingUTF16BE Encoding = "utf-16be"
	EncodingASCII   Encoding = "ascii"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// ErrUnencodable is returned when text contains characters the target
// encoding cannot represent.
var ErrUnencodable = errors.New("text cannot be represented in target encoding")

// DetectEncoding sniffs the byte-order mark. Content without one is taken
// to be UTF-8 without BOM.
func DetectEncoding(content []byte) Encoding {
	switch {
	case bytes.HasPrefix(content, bomUTF8):
		return EncodingUTF8BOM
	case bytes.HasPrefix(content, bomUTF16LE):
		return EncodingUTF16LE
	case bytes.HasPrefix(content, bomUTF16BE):
		return EncodingUTF16BE
	}
	return EncodingUTF8
}

// codec converts between text and the bytes of one encoding.
type codec struct {
	name Encoding
	// enc is nil for UTF-8 and ASCII, which are handled directly.
	enc encoding.Encoding
}

// lookupCodec maps a target encoding name onto a codec. Besides the names
// above, "utf-16" means little-endian with BOM and any IANA name known to
// x/text is accepted.
func lookupCodec(name string) (codec, error) {
	n := Encoding(strings.ToLower(strings.TrimSpace(name)))
	switch n {
	case "", EncodingUTF8, "utf8":
		return codec{name: EncodingUTF8}, nil
	case EncodingUTF8BOM, "utf8-bom":
		return codec{name: EncodingUTF8BOM, enc: unicode.UTF8BOM}, nil
	case EncodingUTF16LE, "utf-16", "unicode":
		return codec{name: EncodingUTF16LE, enc: unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)}, nil
	case EncodingUTF16BE:
		return codec{name: EncodingUTF16BE, enc: unicode.UTF16(unicode.BigEndian, unicode.UseBOM)}, nil
	case EncodingASCII, "us-ascii":
		return codec{name: EncodingASCII}, nil
	}

	enc, err := ianaindex.IANA.Encoding(string(n))
	if err != nil || enc == nil {
		return codec{}, tasks.ConfigError("unknown target encoding %q", name)
	}
	return codec{name: n, enc: enc}, nil
}

// decode turns file content in the detected encoding into text.
func decode(content []byte, detected Encoding) (string, error) {
	switch detected {
	case EncodingUTF8BOM:
		return string(content[len(bomUTF8):]), nil
	case EncodingUTF16LE:
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(content)
		return string(out), err
	case EncodingUTF16BE:
		out, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(content)
		return string(out), err
	}
	if !utf8.Valid(content) {
		return "", fmt.Errorf("content is not valid utf-8")
	}
	return string(content), nil
}

// encode renders text in the codec's encoding.
func (c codec) encode(text string) ([]byte, error) {
	switch {
	case c.name == EncodingASCII:
		for i, r := range text {
			if r >= utf8.RuneSelf {
				return nil, fmt.Errorf("%w: %q at byte %d", ErrUnencodable, r, i)
			}
		}
		return []byte(text), nil
	case c.enc == nil:
		return []byte(text), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return out, nil
}

// LineEnding is a line terminator style.
type LineEnding string

const (
	LineEndingAuto LineEnding = "auto"
	LineEndingLF   LineEnding = "lf"
	LineEndingCRLF LineEnding = "crlf"
)

func (le LineEnding) sequence() string {
	if le == LineEndingCRLF {
		return "\r\n"
	}
	return "\n"
}

// lineStats counts terminators. Bare LF and CR are counted only outside
// CRLF pairs.
type lineStats struct {
	crlf, lf, cr int
}

func countLineEndings(text string) lineStats {
	var s lineStats
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				s.crlf++
				i++
			} else {
				s.cr++
			}
		case '\n':
			s.lf++
		}
	}
	return s
}

// Mixed reports whether at least two terminator styles occur.
func (s lineStats) Mixed() bool {
	styles := 0
	for _, n := range []int{s.crlf, s.lf, s.cr} {
		if n > 0 {
			styles++
		}
	}
	return styles >= 2
}

// Dominant picks CRLF when it strictly outnumbers bare LF, otherwise LF.
// Bare CR is never chosen.
func (s lineStats) Dominant() LineEnding {
	if s.crlf > s.lf {
		return LineEndingCRLF
	}
	return LineEndingLF
}

// conforms reports whether every terminator already uses le.
func (s lineStats) conforms(le LineEnding) bool {
	if le == LineEndingCRLF {
		return s.lf == 0 && s.cr == 0
	}
	return s.crlf == 0 && s.cr == 0
}

// normalizeLineEndings rewrites every terminator to le.
func normalizeLineEndings(text string, le LineEnding) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if seq := le.sequence(); seq != "\n" {
		text = strings.ReplaceAll(text, "\n", seq)
	}
	return text
}
