package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router builds the chi router for the control plane's HTTP surface:
// POST/GET/DELETE /api/scouts[/{id}], OPTIONS on every path.
func Router(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID)
	r.Use(CORS)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/scouts", func(r chi.Router) {
		r.Post("/", handleCreate(svc))
		r.Route("/{id:[a-f0-9-]+}", func(r chi.Router) {
			r.Get("/", handleGet(svc))
			r.Delete("/", handleDelete(svc))
		})
	})

	return r
}

type createScoutBody struct {
	Query     string     `json:"query"`
	Email     string     `json:"email"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func handleCreate(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createScoutBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := svc.CreateScout(r.Context(), CreateScoutRequest{
			Query:     body.Query,
			Email:     body.Email,
			ExpiresAt: body.ExpiresAt,
		})
		if err != nil {
			if errors.Is(err, ErrValidation) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func handleGet(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		result, err := svc.GetScout(r.Context(), id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleDelete(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		svc.DeleteScout(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scoutId": id})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
