package semantic

import (
	"strings"

	"github.com/castforge/castforge/engine/domain"
)

const transcriptExcerptLen = 1000

// BuildSearchableText assembles the fixed concatenation add() embeds: a
// stable field order so re-embedding is deterministic given the same
// content, and so a diff in one field doesn't require understanding the
// whole document to predict the embedding changed.
func BuildSearchableText(c domain.Content) string {
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(c.Title)
	b.WriteString("\nSummary: ")
	b.WriteString(c.Summary)
	b.WriteString("\nType: ")
	b.WriteString(c.ContentType)
	b.WriteString("\nTopics: ")
	b.WriteString(strings.Join(c.Topics, ", "))
	b.WriteString("\nKey Points: ")
	b.WriteString(strings.Join(c.KeyPoints, ", "))
	b.WriteString("\nEntities: ")
	names := make([]string, len(c.Entities))
	for i, e := range c.Entities {
		names[i] = e.Name
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\nAction Items: ")
	b.WriteString(strings.Join(c.ActionItems, ", "))
	b.WriteString("\nTags: ")
	b.WriteString(strings.Join(c.Tags, ", "))
	b.WriteString("\n")
	b.WriteString(excerpt(c.Transcript, transcriptExcerptLen))
	return b.String()
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
