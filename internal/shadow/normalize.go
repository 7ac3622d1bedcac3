package shadow

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// invisibleRanges lists the zero-width, bidi-control, and other invisible
// code points stripped before and after percent-decoding; they can be used
// to break up instruction-override phrases so the scanner never trusts
// raw text alone.
var invisibleRanges = []struct{ lo, hi rune }{
	{0x200B, 0x200F}, // zero-width space/joiners, LTR/RTL marks
	{0x202A, 0x202E}, // bidi embedding/override controls
	{0x2060, 0x2069}, // word joiner, invisible operators, isolates
	{0xFEFF, 0xFEFF}, // BOM / zero-width no-break space
	{0x00AD, 0x00AD}, // soft hyphen
	{0x034F, 0x034F}, // combining grapheme joiner
	{0x061C, 0x061C}, // Arabic letter mark
	{0x180E, 0x180E}, // Mongolian vowel separator
	{0x3164, 0x3164}, // Hangul filler
	{0xFFA0, 0xFFA0}, // halfwidth Hangul filler
	{0x115F, 0x1160}, // Hangul choseong/jungseong fillers
}

func isInvisible(r rune) bool {
	for _, rg := range invisibleRanges {
		if r >= rg.lo && r <= rg.hi {
			return true
		}
	}
	return false
}

func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isInvisible(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// percentDecode iteratively percent-decodes up to 3 passes (replacing '+'
// with space first), stopping at a decode failure or a fixed point.
func percentDecode(s string) string {
	cur := s
	for i := 0; i < 3; i++ {
		candidate := strings.ReplaceAll(cur, "+", " ")
		decoded, err := url.QueryUnescape(candidate)
		if err != nil {
			break
		}
		if decoded == cur {
			break
		}
		cur = decoded
	}
	return cur
}

var htmlEntities = map[string]string{
	"&lt;":   "<",
	"&gt;":   ">",
	"&amp;":  "&",
	"&quot;": `"`,
	"&#39;":  "'",
	"&apos;": "'",
	"&nbsp;": " ",
}

// decodeHTMLEntities replaces the fixed named-entity set plus numeric
// decimal/hex entities, dropping any entity that decodes to an invisible
// character.
func decodeHTMLEntities(s string) string {
	for from, to := range htmlEntities {
		s = strings.ReplaceAll(s, from, to)
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '&' {
			if j := strings.IndexByte(s[i:], ';'); j > 0 && j < 12 {
				entity := s[i+1 : i+j]
				if r, ok := decodeNumericEntity(entity); ok {
					if !isInvisible(r) {
						b.WriteRune(r)
					}
					i += j + 1
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func decodeNumericEntity(entity string) (rune, bool) {
	if !strings.HasPrefix(entity, "#") {
		return 0, false
	}
	body := entity[1:]
	base := 10
	if strings.HasPrefix(body, "x") || strings.HasPrefix(body, "X") {
		base = 16
		body = body[1:]
	}
	if body == "" {
		return 0, false
	}
	var val int64
	for _, c := range body {
		d := hexDigit(c, base)
		if d < 0 {
			return 0, false
		}
		val = val*int64(base) + int64(d)
		if val > 0x10FFFF {
			return 0, false
		}
	}
	return rune(val), true
}

func hexDigit(c rune, base int) int {
	var d int
	switch {
	case c >= '0' && c <= '9':
		d = int(c - '0')
	case base == 16 && c >= 'a' && c <= 'f':
		d = int(c-'a') + 10
	case base == 16 && c >= 'A' && c <= 'F':
		d = int(c-'A') + 10
	default:
		return -1
	}
	if d >= base {
		return -1
	}
	return d
}

// homoglyphTable folds scripts with no ecosystem-provided ASCII folding:
// Cyrillic, Greek, Armenian look-alikes, and mathematical bold letters.
// Fullwidth Latin/digit folding is handled by golang.org/x/text/width
// instead (see foldHomoglyphs).
var homoglyphTable = map[rune]rune{
	// Cyrillic look-alikes of Latin letters.
	'а': 'a', 'А': 'A',
	'е': 'e', 'Е': 'E',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'с': 'c', 'С': 'C',
	'у': 'y', 'У': 'Y',
	'х': 'x', 'Х': 'X',
	'і': 'i', 'І': 'I',
	'ј': 'j', 'Ј': 'J',
	'ѕ': 's', 'Ѕ': 'S',
	'к': 'k', 'К': 'K',
	'м': 'm', 'М': 'M',
	'н': 'h', 'Н': 'H',
	'в': 'b', 'В': 'B',
	'т': 't', 'Т': 'T',
	// Greek look-alikes.
	'α': 'a', 'Α': 'A',
	'β': 'b', 'Β': 'B',
	'ο': 'o', 'Ο': 'O',
	'ρ': 'p', 'Ρ': 'P',
	'ν': 'v', 'Ν': 'N',
	'υ': 'u', 'Υ': 'Y',
	'χ': 'x', 'Χ': 'X',
	'ι': 'i', 'Ι': 'I',
	'κ': 'k', 'Κ': 'K',
	'η': 'n', 'Η': 'H',
	'τ': 't', 'Τ': 'T',
	'ε': 'e', 'Ε': 'E',
	// Armenian look-alikes.
	'ո': 'n',
	'ս': 'u',
	'օ': 'o',
	'ց': 'g',
	// Mathematical bold Latin (U+1D400-1D433 range, selected letters).
	'𝐚': 'a', '𝐀': 'A',
	'𝐞': 'e', '𝐄': 'E',
	'𝐨': 'o', '𝐎': 'O',
	'𝐢': 'i', '𝐈': 'I',
}

func foldHomoglyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		// Fullwidth Latin/digits have a direct ecosystem fold via
		// golang.org/x/text/width; everything else uses the hand
		// table above.
		folded := width.Narrow.String(string(r))
		if folded != string(r) && len([]rune(folded)) == 1 {
			b.WriteString(folded)
			continue
		}
		if ascii, ok := homoglyphTable[r]; ok {
			b.WriteRune(ascii)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// normalizeDescription runs the full seven-step normalization pipeline
// over a working copy of a tool description. The raw input is left
// untouched; the scanner evaluates its regex catalog over both.
func normalizeDescription(raw string) string {
	s := raw
	s = stripInvisible(s)
	s = percentDecode(s)
	s = stripInvisible(s)
	s = decodeHTMLEntities(s)
	s = norm.NFKC.String(s)
	s = foldHomoglyphs(s)
	s = collapseWhitespace(s)
	return s
}
