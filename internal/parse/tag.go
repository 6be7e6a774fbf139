package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tagRe = regexp.MustCompile(`(?i)^([A-Z]+)\s*[-:]?\s*0*(\d+)$`)

// ParsedTag holds the structured form of a physical equipment tag identifier.
type ParsedTag struct {
	// Prefix is the uppercase alphabetic series, e.g. "EQ".
	Prefix string
	// Seq is the numeric position within the series.
	Seq int
}

// Canonical returns the normalized tag string, e.g. "EQ-0042".
func (p ParsedTag) Canonical() string {
	return fmt.Sprintf("%s-%04d", p.Prefix, p.Seq)
}

// ParseTag normalizes a raw tag identifier as read from an NFC sticker.
// Tags are written by several label printers over the years, so the raw form
// varies: "eq-42", "EQ:0042", "EQ 42" all mean the same unit. The canonical
// form is what gets stored on the equipment row.
func ParseTag(raw string) (ParsedTag, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "#", "")
	if s == "" {
		return ParsedTag{}, fmt.Errorf("empty tag")
	}

	m := tagRe.FindStringSubmatch(s)
	if m == nil {
		return ParsedTag{}, fmt.Errorf("unable to parse tag: %q", raw)
	}

	seq, err := strconv.Atoi(m[2])
	if err != nil || seq <= 0 {
		return ParsedTag{}, fmt.Errorf("invalid tag sequence in %q", raw)
	}

	return ParsedTag{Prefix: strings.ToUpper(m[1]), Seq: seq}, nil
}
