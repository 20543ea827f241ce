// Package helpers prepares training content before it is stored.
package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	plainPolicyOnce sync.Once
	plainPolicy     *bluemonday.Policy
)

// PlainTextPolicy strips every element. Script and style bodies are dropped
// and stripped tags leave a space so adjacent words stay apart.
func PlainTextPolicy() *bluemonday.Policy {
	plainPolicyOnce.Do(func() {
		p := bluemonday.StrictPolicy()
		p.AddSpaceWhenStrippingTag(true)
		plainPolicy = p
	})
	return plainPolicy
}

// PlainText converts an HTML fragment to text suitable for a vector store
// file. Entities are decoded; line breaks in the source survive.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(PlainTextPolicy().Sanitize(s))
	}
	return NormalizeSpace(s)
}

// NormalizeSpace collapses runs of blanks inside each line and keeps at most
// one empty line between paragraphs.
func NormalizeSpace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
