package utils

import (
	"fmt"
	"strings"
)

// TemplateExtractionError is returned when generated text does not contain the
// expected fenced block.
type TemplateExtractionError struct {
	Start string
	End   string
}

func (e *TemplateExtractionError) Error() string {
	return fmt.Sprintf("response does not contain a block delimited by %q and %q", e.Start, e.End)
}

// ExtractFencedBlock returns the trimmed text between the first occurrence of
// start and the last occurrence of end after it.
func ExtractFencedBlock(text, start, end string) (string, error) {
	i := strings.Index(text, start)
	if i < 0 {
		return "", &TemplateExtractionError{Start: start, End: end}
	}
	body := text[i+len(start):]

	j := strings.LastIndex(body, end)
	if j < 0 {
		return "", &TemplateExtractionError{Start: start, End: end}
	}

	return strings.TrimSpace(body[:j]), nil
}
