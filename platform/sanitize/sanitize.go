// Package sanitize cleans free text that arrives from or is sent to contacts.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlTagRegex    = regexp.MustCompile(`<[^>]*>`)
	lineBreakTagRe  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li)\s*/?>`)
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes tags and decodes entities. Tags hidden behind entities
// are stripped on a second pass.
func StripHTML(s string) string {
	result := lineBreakTagRe.ReplaceAllString(s, "\n")
	result = htmlTagRegex.ReplaceAllString(result, "")
	result = html.UnescapeString(result)
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Message normalises a chat message: no markup, single spaces, at most one
// blank line between paragraphs.
func Message(s string) string {
	if s == "" {
		return ""
	}
	result := strings.ReplaceAll(s, "\r\n", "\n")
	result = StripHTML(result)
	result = horizontalSpace.ReplaceAllString(result, " ")

	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	result = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(result)
}
