package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/titaniumlabs/streamgate/pkg/registry"
	"github.com/titaniumlabs/streamgate/pkg/streamer"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// handleAlive answers health probes
func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "streamgate",
	})
}

// handleDownload serves /dl/{token}: the browser saves the file
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, "attachment")
}

// handleStream serves /stream/{token}: the browser plays the file inline
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, "inline")
}

// serveObject resolves a token and streams the requested byte range. The
// response status is committed before the first upstream block arrives, so a
// mid-stream upstream failure can only abort the connection.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, disposition string) {
	ctx := r.Context()
	token := mux.Vars(r)["token"]

	record, err := s.registry.Get(ctx, token)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "link not found or expired", http.StatusNotFound)
			return
		}
		s.log.Error("registry lookup failed", map[string]interface{}{
			"token": token,
			"error": err.Error(),
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	info, err := s.store.LookupObject(ctx, record.Locator)
	if err != nil {
		switch upstream.CodeOf(err) {
		case upstream.ErrCodeNotFound:
			http.Error(w, "file not found", http.StatusNotFound)
		case upstream.ErrCodeRateLimited:
			if after := upstream.RetryAfterOf(err); after > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(after.Seconds())+1, 10))
			}
			http.Error(w, "upstream rate limited, try again later", http.StatusServiceUnavailable)
		default:
			s.log.Error("upstream lookup failed", map[string]interface{}{
				"token":   token,
				"locator": record.Locator.String(),
				"error":   err.Error(),
			})
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	size := info.Size
	if size <= 0 {
		size = record.SizeBytes
	}
	if size <= 0 {
		s.log.Error("object size unknown", map[string]interface{}{
			"token":   token,
			"locator": record.Locator.String(),
		})
		http.Error(w, "object size unknown", http.StatusInternalServerError)
		return
	}

	fileName := record.FileName
	if fileName == "" {
		fileName = info.FileName
	}
	contentType := record.MIMEType
	if contentType == "" {
		contentType = info.MIMEType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	etag := fmt.Sprintf(`W/"%d-%d"`, record.Locator.MessageID, size)
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	if disposition == "inline" {
		// Players re-request aggressively while seeking; the object behind
		// a token never changes, so let them cache.
		w.Header().Set("Cache-Control", "public, max-age=31536000")
	}
	if fileName != "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`%s; filename="%s"`, disposition, sanitizeFileName(fileName)))
	} else {
		w.Header().Set("Content-Disposition", disposition)
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	status := http.StatusOK
	rng := byteRange{Start: 0, End: size - 1}
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		rng, err = parseRangeHeader(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", rng.ContentRange(size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Size(), 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	id := s.tracker.begin(token, remoteIP(r), fileName, rng.Size())
	sink := newHTTPSink(w, s.idleWriteTimeout, func(n int) {
		s.tracker.add(id, int64(n))
	})

	w.WriteHeader(status)
	err = s.streamer.Stream(ctx, record.Locator, rng.Start, rng.End, sink)
	if err == nil {
		s.tracker.end(id, true)
		return
	}
	s.tracker.end(id, false)

	if errors.Is(err, streamer.ErrClientDisconnected) || ctx.Err() != nil {
		s.log.Debug("client disconnected", map[string]interface{}{
			"token":      token,
			"range_size": rng.Size(),
		})
		return
	}

	s.log.Error("stream aborted", map[string]interface{}{
		"token":   token,
		"locator": record.Locator.String(),
		"error":   err.Error(),
	})
	// Headers are already on the wire; the only honest signal left is to
	// cut the connection so the client sees a short body, not a clean EOF.
	panic(http.ErrAbortHandler)
}

// sanitizeFileName strips characters that would break the quoted
// Content-Disposition filename
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
