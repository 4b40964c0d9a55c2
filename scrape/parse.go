package scrape

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRe  = regexp.MustCompile(`[0-9][0-9.,\x{00a0} ]*`)
	percentRe = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*%`)
	countRe   = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*([kKmM]?)`)
)

// ParsePrice extracts the first numeric amount from a price string,
// tolerating currency symbols, thousand separators, and the European
// decimal comma. Unparseable input yields 0, which downstream scoring
// treats as "skip".
func ParsePrice(s string) float64 {
	m := numberRe.FindString(s)
	if m == "" {
		return 0
	}
	m = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' {
			return -1
		}
		return r
	}, m)
	m = strings.Trim(m, ".,")

	switch {
	case strings.Contains(m, "."):
		// Dot decimal: commas are thousand separators.
		m = strings.ReplaceAll(m, ",", "")
	case strings.Count(m, ",") == 1 && len(m)-strings.Index(m, ",")-1 <= 2:
		// Single comma with ≤2 trailing digits: decimal comma.
		m = strings.Replace(m, ",", ".", 1)
	default:
		m = strings.ReplaceAll(m, ",", "")
	}

	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParsePercent extracts a percentage ("30% commission" → 30). Without a %
// sign it falls back to the first number in the string.
func ParsePercent(s string) float64 {
	if m := percentRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err == nil {
			return v
		}
	}
	return ParsePrice(s)
}

// ParseCount extracts a count with an optional k/m suffix
// ("1.2k sold" → 1200).
func ParseCount(s string) float64 {
	m := countRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2]) {
	case "k":
		v *= 1_000
	case "m":
		v *= 1_000_000
	}
	return v
}
