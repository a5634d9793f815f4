// Package ingest splits clinical guideline documents into chunks and loads
// them into the guideline index.
package ingest

import (
	"crypto/sha256"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultMaxChars is the target upper bound of a chunk
	DefaultMaxChars = 1500
	// MinChunkChars drops headings and fragments with no guidance in them
	MinChunkChars = 50
)

// Chunker splits markdown by second-level headings. Adjacent short sections
// are merged and long ones are split on paragraph boundaries.
type Chunker struct {
	MaxChars int
}

// NewChunker creates a chunker. maxChars <= 0 means DefaultMaxChars.
func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chunker{MaxChars: maxChars}
}

// Split returns the chunk texts of a document in order
func (c *Chunker) Split(markdown string) []string {
	var pieces []string
	for _, section := range splitSections(markdown) {
		if len(section) <= c.MaxChars {
			pieces = append(pieces, section)
			continue
		}
		pieces = append(pieces, c.splitParagraphs(section)...)
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); len(s) >= MinChunkChars {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+len(p)+2 > c.MaxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

func splitSections(markdown string) []string {
	markdown = strings.ReplaceAll(markdown, "\r\n", "\n")
	var sections []string
	var cur []string
	push := func() {
		if s := strings.TrimSpace(strings.Join(cur, "\n")); s != "" {
			sections = append(sections, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "## ") {
			push()
		}
		cur = append(cur, line)
	}
	push()
	return sections
}

func (c *Chunker) splitParagraphs(section string) []string {
	var out []string
	var cur strings.Builder
	for _, para := range strings.Split(section, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > c.MaxChars {
			cut := strings.LastIndexAny(para[:c.MaxChars], ".\n ")
			if cut <= 0 {
				cut = c.MaxChars - 1
			}
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, strings.TrimSpace(para[:cut+1]))
			para = strings.TrimSpace(para[cut+1:])
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > c.MaxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// ChunkID derives a stable object id from the source and chunk text, so
// re-ingesting a document replaces its chunks.
func ChunkID(source, content string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + content))
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}
