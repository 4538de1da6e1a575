package phonetic

import "strings"

// DMetaphone returns a primary and an optional alternate phonetic code
// for value. alt is "" when there is no alternate pronunciation.
//
// This is a compact, simplified double-metaphone: it is intentionally
// not bit-for-bit compatible with any particular reference
// implementation. The coordinator only uses the codes as shard-routing
// keys, not as a contract with an external system.
func DMetaphone(value string) (primary string, alt string) {
	s := strings.ToUpper(strings.TrimSpace(value))
	if s == "" {
		return "", ""
	}

	var prim, secd strings.Builder
	runes := []rune(s)
	n := len(runes)

	isVowel := func(r rune) bool {
		switch r {
		case 'A', 'E', 'I', 'O', 'U', 'Y':
			return true
		}
		return false
	}

	for i := 0; i < n; i++ {
		r := runes[i]
		var next rune
		if i+1 < n {
			next = runes[i+1]
		}

		switch {
		case isVowel(r):
			if i == 0 {
				prim.WriteRune('A')
				secd.WriteRune('A')
			}

		case r == 'C':
			if next == 'H' {
				prim.WriteString("X")
				secd.WriteString("K")
				i++
			} else if next == 'I' || next == 'E' || next == 'Y' {
				prim.WriteString("S")
				secd.WriteString("S")
			} else {
				prim.WriteString("K")
				secd.WriteString("K")
			}

		case r == 'G':
			if next == 'H' {
				prim.WriteString("K")
				secd.WriteString("F")
				i++
			} else if next == 'N' {
				prim.WriteString("N")
				secd.WriteString("N")
			} else {
				prim.WriteString("K")
				secd.WriteString("J")
			}

		case r == 'P':
			if next == 'H' {
				prim.WriteString("F")
				secd.WriteString("F")
				i++
			} else {
				prim.WriteString("P")
				secd.WriteString("P")
			}

		case r == 'T':
			if next == 'H' {
				prim.WriteString("0")
				secd.WriteString("T")
				i++
			} else {
				prim.WriteString("T")
				secd.WriteString("T")
			}

		case r == 'W', r == 'H':
			if isVowel(next) {
				prim.WriteRune(r)
				secd.WriteRune(r)
			}

		case r == 'X':
			prim.WriteString("KS")
			secd.WriteString("KS")

		default:
			prim.WriteRune(r)
			secd.WriteRune(r)
		}
	}

	primary = truncate(prim.String(), 4)
	altCode := truncate(secd.String(), 4)
	if altCode == primary {
		return primary, ""
	}
	return primary, altCode
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
