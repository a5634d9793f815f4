package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle is a FHIR searchset bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
}

// Entries decodes every entry whose resourceType matches resourceType into T.
// Included OperationOutcome entries and other resource types are skipped.
func Entries[T any](b *Bundle, resourceType string) ([]T, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]T, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var h resourceHeader
		if err := json.Unmarshal(e.Resource, &h); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if h.ResourceType != resourceType {
			continue
		}
		var v T
		if err := json.Unmarshal(e.Resource, &v); err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, resourceType, err)
		}
		out = append(out, v)
	}
	return out, nil
}
