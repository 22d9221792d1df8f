package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/titaniumlabs/streamgate/pkg/registry"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// Link TTLs are restricted to fixed choices so operators can reason about
// registry growth. Zero means the default.
var allowedTTLHours = map[int]bool{1: true, 6: true, 12: true, 24: true}

const defaultTTLHours = 24

// tokenSaveAttempts bounds retries when a generated token collides
const tokenSaveAttempts = 3

// createLinkRequest is the body of POST /api/links
type createLinkRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	FileName  string `json:"file_name,omitempty"`
	TTLHours  int    `json:"ttl_hours,omitempty"`
}

// linkResponse is the API view of a link record
type linkResponse struct {
	Token     string    `json:"token"`
	FileName  string    `json:"file_name,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	MIMEType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	DL        string    `json:"dl_url"`
	Stream    string    `json:"stream_url"`
	Watch     string    `json:"watch_url"`
}

func (s *Server) linkView(r *http.Request, record *registry.LinkRecord) linkResponse {
	base := s.baseURL(r)
	return linkResponse{
		Token:     record.Token,
		FileName:  record.FileName,
		SizeBytes: record.SizeBytes,
		MIMEType:  record.MIMEType,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
		DL:        base + "/dl/" + record.Token,
		Stream:    base + "/stream/" + record.Token,
		Watch:     base + "/watch/" + record.Token,
	}
}

// baseURL returns the configured public base URL, or derives one from the
// request when none is configured
func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// adminAuth guards the operator API with a constant-time key comparison. An
// empty configured key disables the whole API surface.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			http.Error(w, "operator API disabled", http.StatusForbidden)
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			key = r.URL.Query().Get("admin_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCreateLink registers a new download link for a remote object
func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MessageID <= 0 {
		http.Error(w, "message_id is required", http.StatusBadRequest)
		return
	}
	ttlHours := req.TTLHours
	if ttlHours == 0 {
		ttlHours = defaultTTLHours
	}
	if !allowedTTLHours[ttlHours] {
		http.Error(w, "ttl_hours must be one of 1, 6, 12, 24", http.StatusBadRequest)
		return
	}

	locator := upstream.ObjectLocator{ChatID: req.ChatID, MessageID: req.MessageID}
	info, err := s.store.LookupObject(ctx, locator)
	if err != nil {
		switch upstream.CodeOf(err) {
		case upstream.ErrCodeNotFound:
			http.Error(w, "object not found in upstream store", http.StatusNotFound)
		case upstream.ErrCodeRateLimited:
			http.Error(w, "upstream rate limited, try again later", http.StatusServiceUnavailable)
		default:
			s.log.Error("upstream lookup failed", map[string]interface{}{
				"locator": locator.String(),
				"error":   err.Error(),
			})
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = info.FileName
	}

	var record *registry.LinkRecord
	for attempt := 0; attempt < tokenSaveAttempts; attempt++ {
		token, err := registry.GenerateToken(s.tokenLength)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		record, err = registry.NewLinkRecord(token, locator, fileName, info.Size, info.MIMEType,
			time.Duration(ttlHours)*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.registry.Save(ctx, record)
		if err == nil {
			break
		}
		if !errors.Is(err, registry.ErrConflict) {
			s.log.Error("failed to save link", map[string]interface{}{"error": err.Error()})
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		record = nil
	}
	if record == nil {
		s.log.Error("token collisions exhausted retries", map[string]interface{}{
			"attempts": tokenSaveAttempts,
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.log.Info("link created", map[string]interface{}{
		"token":   record.Token,
		"locator": locator.String(),
		"size":    record.SizeBytes,
		"ttl":     fmt.Sprintf("%dh", ttlHours),
	})
	sendJSON(w, http.StatusCreated, s.linkView(r, record))
}

// handleListLinks returns live links in creation order
func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}

	records, err := s.registry.List(r.Context(), skip, limit)
	if err != nil {
		s.log.Error("failed to list links", map[string]interface{}{"error": err.Error()})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	views := make([]linkResponse, 0, len(records))
	for _, record := range records {
		views = append(views, s.linkView(r, record))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"links": views,
		"skip":  skip,
		"limit": limit,
	})
}

// handleDeleteLink revokes one link
func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := s.registry.Delete(r.Context(), token); err != nil {
		s.log.Error("failed to delete link", map[string]interface{}{
			"token": token,
			"error": err.Error(),
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.log.Info("link deleted", map[string]interface{}{"token": token})
	sendJSON(w, http.StatusOK, map[string]interface{}{"deleted": token})
}

// handlePurgeLinks revokes every link
func (s *Server) handlePurgeLinks(w http.ResponseWriter, r *http.Request) {
	removed, err := s.registry.DeleteAll(r.Context())
	if err != nil {
		s.log.Error("failed to purge links", map[string]interface{}{"error": err.Error()})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.log.Info("links purged", map[string]interface{}{"removed": removed})
	sendJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// handleStats reports gateway activity and registry size
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.tracker.snapshot()
	count, err := s.registry.Count(r.Context())
	if err != nil {
		s.log.Error("failed to count links", map[string]interface{}{"error": err.Error()})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"links": count,
		"stats": snapshot,
	})
}

func sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
