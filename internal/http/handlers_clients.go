package httpx

import (
	"net/http"

	"github.com/mailcanary/mailcanary/internal/registry"
)

// ClientHandlers exposes the email client catalogue.
type ClientHandlers struct {
	Registry *registry.Registry
}

// List returns the active email clients available for render testing.
func (h *ClientHandlers) List(w http.ResponseWriter, r *http.Request) {
	clients := h.Registry.ActiveClients()
	WriteJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}
