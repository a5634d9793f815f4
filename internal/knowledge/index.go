// Package knowledge turns an information need into ranked clinical
// guideline passages.
package knowledge

import (
	"context"
	"strings"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

// Condition tags the guideline corpus is indexed under
var Conditions = []string{"Hypertension", "Diabetes", "COPD"}

// NormalizeCondition maps a free-form tag onto one of Conditions, or ""
func NormalizeCondition(tag string) string {
	tag = strings.TrimSpace(tag)
	for _, c := range Conditions {
		if strings.EqualFold(c, tag) {
			return c
		}
	}
	return ""
}

// Chunk is one indexable guideline fragment
type Chunk struct {
	ID        string
	Source    string
	Condition string
	Content   string
	Index     int
}

// Index is the semantic guideline index
type Index interface {
	// Search returns up to limit passages ordered by relevance. An empty
	// condition disables the equality filter.
	Search(ctx context.Context, query string, limit int, condition string) ([]conversation.Passage, error)
	// Upsert stores chunks and returns how many were written
	Upsert(ctx context.Context, chunks []Chunk) (int, error)
}
