package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleListRecords returns captured records, newest first
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		Sender:        q.Get("sender"),
		PaymentMethod: q.Get("payment_method"),
		Signature:     q.Get("signature"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			corsError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	records, err := s.service.ListRecords(f)
	if err != nil {
		slog.Error("Error listing records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

// handleGetRecord returns a single record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.service.GetRecord(id)
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting record", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// handleGetRecordMedia serves the stored voucher image
func (s *Server) handleGetRecordMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, contentType, err := s.service.GetRecordMedia(id)
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Media not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting record media", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleCheckpoint returns the live capture progress
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.service.Checkpoint()
	if !ok {
		corsError(w, "Capture not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}
