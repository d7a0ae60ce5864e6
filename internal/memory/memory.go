// Package memory handles the side-channel the model uses to persist facts
// about the user: structured markers embedded in assistant output that are
// parsed out before the message is stored or displayed, plus the context
// block that feeds previously saved records back into future turns.
package memory

import (
	"regexp"
	"strings"
)

type Record struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

var markerPattern = regexp.MustCompile(`(?s)<memory\s+category="([^"]*)"\s*>(.*?)</memory>`)

// Extract pulls every memory marker out of finalized assistant content and
// returns the records alongside the cleaned text. Content without markers
// passes through unchanged.
func Extract(content string) ([]Record, string) {
	matches := markerPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, content
	}

	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		text := strings.TrimSpace(m[2])
		if text == "" {
			continue
		}
		records = append(records, Record{Content: text, Category: m[1]})
	}

	cleaned := markerPattern.ReplaceAllString(content, "")
	cleaned = strings.TrimSpace(cleaned)
	return records, cleaned
}

// ContextBlock serializes saved records into a short block prepended to
// future turns. Returns "" when there is nothing to inject.
func ContextBlock(records []Record) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Known facts about the user:\n")
	for _, r := range records {
		b.WriteString("- ")
		if r.Category != "" {
			b.WriteString("[")
			b.WriteString(r.Category)
			b.WriteString("] ")
		}
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
