package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

// MemoryIndex is a process-local Index scored by term overlap. Packages
// that retrieve or ingest use it in their tests in place of Weaviate.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[string]Chunk)}
}

// Upsert implements Index
func (m *MemoryIndex) Upsert(_ context.Context, chunks []Chunk) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return len(chunks), nil
}

// Search implements Index
func (m *MemoryIndex) Search(ctx context.Context, query string, limit int, condition string) ([]conversation.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]conversation.Passage, 0, limit)
	for _, c := range m.chunks {
		if condition != "" && !strings.EqualFold(c.Condition, condition) {
			continue
		}
		score := overlap(terms, tokenize(c.Content))
		if score == 0 {
			continue
		}
		out = append(out, conversation.Passage{
			Content:   c.Content,
			Source:    c.Source,
			Condition: c.Condition,
			Score:     score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Source < out[j].Source
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored chunks
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			set[f] = struct{}{}
		}
	}
	return set
}

// overlap is the fraction of query terms present in the document
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
