// Package schema provides semantic retrieval over cached schema
// fragments. Adapters introspect their backends into SchemaDocuments;
// the Searcher embeds and indexes them so query translation can pull
// the most relevant fragments into its prompt.
package schema

import (
	"fmt"
	"strings"
)

// SchemaDocument is the canonical schema fragment shared by all
// adapters. One document describes one table, collection, resource, or
// reporting dimension group.
type SchemaDocument struct {
	// ID is a stable key, e.g. "table:orders" or "collection:users".
	ID string `json:"id"`
	// Content is a human-readable description with field listings,
	// types, sample values, and counts.
	Content string `json:"content"`
	// DBType tags the source backend ("postgres", "mongodb", ...).
	DBType string `json:"db_type"`
}

// ScoredDocument is a search hit with its cosine similarity.
type ScoredDocument struct {
	SchemaDocument
	Score float32 `json:"score"`
}

// FormatChunks renders documents into the prompt fragment adapters
// splice into their translation templates.
func FormatChunks(docs []ScoredDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, doc := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", doc.ID, strings.TrimSpace(doc.Content))
	}
	return b.String()
}
