// Package data serves the role-gated sample resources. Access control happens in
// auth.RequireRole before these handlers run.
package data

import (
	"authgateway/internal/auth"
	"log/slog"
	"net/http"
)

const (
	ManagerData = "Data for managers only"
	UserData    = "Data for users only"
)

type DataHandler struct{}

func NewDataHandler() *DataHandler {
	return &DataHandler{}
}

func (h *DataHandler) GetManagerData(w http.ResponseWriter, r *http.Request) {
	writeText(w, r, ManagerData)
}

func (h *DataHandler) GetUserData(w http.ResponseWriter, r *http.Request) {
	writeText(w, r, UserData)
}

func writeText(w http.ResponseWriter, r *http.Request, body string) {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		slog.DebugContext(r.Context(), "Serving protected data", "subject", p.Subject, "path", r.URL.Path)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
