package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// BlankCharThreshold is the minimum count of non-whitespace characters, after
// boilerplate stripping, for a page to count as having content.
const BlankCharThreshold = 20

// ExtractionFailureMarker replaces the text of a page whose extraction failed.
const ExtractionFailureMarker = "[extraction failed]"

// PageImage is one captured image of a submission. Index is zero-based.
type PageImage struct {
	Index      int       `json:"index"`
	MimeType   string    `json:"mime_type"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

type ExtractionResult struct {
	Page      int    `json:"page"`
	Text      string `json:"text"`
	CharCount int    `json:"char_count"`
	IsBlank   bool   `json:"is_blank"`
	Failed    bool   `json:"failed,omitempty"`
}

// Extraction is the per-page results of one submission plus the combined text
// handed to grading.
type Extraction struct {
	Pages     []ExtractionResult `json:"pages"`
	Combined  string             `json:"combined"`
	CharCount int                `json:"char_count"`
	IsBlank   bool               `json:"is_blank"`
}

var (
	pageNumberLine = regexp.MustCompile(`(?i)^\s*(?:(?:page|pg\.?)\s*\d{1,3}(?:\s*(?:of|/)\s*\d{1,3})?|\d{1,3}\s+of\s+\d{1,3}|-\s*\d{1,3}\s*-)\s*$`)
	headerLine     = regexp.MustCompile(`(?i)^\s*(name|date|period|class|teacher|section|block)\s*[:#]`)
	underscoreLine = regexp.MustCompile(`^[\s_\-=.]*$`)
)

// StripBoilerplate drops header label lines, page numbers and rule lines that
// are printed on the worksheet rather than written by the student.
func StripBoilerplate(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case underscoreLine.MatchString(line):
			continue
		case pageNumberLine.MatchString(line):
			continue
		case headerLine.MatchString(line):
			continue
		}
		kept = append(kept, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// CountContentChars counts non-whitespace runes of already stripped text.
func CountContentChars(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// IsBlankCount reports whether a stripped character count falls below the
// blank threshold.
func IsBlankCount(charCount int) bool {
	return charCount < BlankCharThreshold
}

// NewExtractionResult classifies raw recognized text for one page.
func NewExtractionResult(page int, raw string) ExtractionResult {
	stripped := StripBoilerplate(raw)
	count := CountContentChars(stripped)
	return ExtractionResult{
		Page:      page,
		Text:      stripped,
		CharCount: count,
		IsBlank:   IsBlankCount(count),
	}
}

// FailedExtractionResult is the sentinel for a page the recognizer could not
// read. It is never blank so the rest of the submission can still be graded.
func FailedExtractionResult(page int) ExtractionResult {
	return ExtractionResult{
		Page:   page,
		Text:   ExtractionFailureMarker,
		Failed: true,
	}
}

// CombineExtraction joins per-page results with page markers. A submission is
// blank only when every page is blank.
func CombineExtraction(pages []ExtractionResult) Extraction {
	out := Extraction{Pages: pages, IsBlank: len(pages) > 0}
	var b strings.Builder
	for i, p := range pages {
		if len(pages) > 1 {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "--- Page %d ---\n", p.Page+1)
		}
		b.WriteString(p.Text)
		out.CharCount += p.CharCount
		if !p.IsBlank {
			out.IsBlank = false
		}
	}
	out.Combined = b.String()
	return out
}
