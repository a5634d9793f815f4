package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/drfirst/go-cds/internal/tools"
)

// ToolDescriptor describes one tool offered to the reasoning engine
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolsHandler lists registered tools
type ToolsHandler struct {
	registry *tools.Registry
}

// NewToolsHandler creates a new handler
func NewToolsHandler(registry *tools.Registry) *ToolsHandler {
	return &ToolsHandler{registry: registry}
}

// List handles GET /tools
func (h *ToolsHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	out := make([]ToolDescriptor, 0, len(list))
	for _, t := range list {
		params, err := t.Schema().MarshalJSON()
		if err != nil {
			jsonError(w, r, "failed to describe tool "+t.Name(), http.StatusInternalServerError)
			return
		}
		out = append(out, ToolDescriptor{Name: t.Name(), Description: t.Description(), Parameters: params})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}
