package gateway

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/titaniumlabs/streamgate/pkg/registry"
)

var watchTemplate = template.Must(template.New("watch").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { margin: 0; background: #111; color: #eee; font-family: sans-serif; }
.wrap { max-width: 960px; margin: 2rem auto; padding: 0 1rem; }
video, audio { width: 100%; outline: none; }
a.dl { color: #6cf; }
h1 { font-size: 1.1rem; word-break: break-all; }
</style>
</head>
<body>
<div class="wrap">
<h1>{{.Title}}</h1>
{{if eq .Kind "video"}}
<video controls autoplay src="{{.StreamURL}}"></video>
{{else if eq .Kind "audio"}}
<audio controls src="{{.StreamURL}}"></audio>
{{else if eq .Kind "image"}}
<img src="{{.StreamURL}}" alt="{{.Title}}" style="max-width:100%">
{{else}}
<p>Preview is not available for this file type.</p>
{{end}}
<p><a class="dl" href="{{.DownloadURL}}">Download</a></p>
</div>
</body>
</html>
`))

var notFoundTemplate = template.Must(template.New("notfound").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Link not found</title></head>
<body style="background:#111;color:#eee;font-family:sans-serif;text-align:center;padding-top:4rem">
<h1>404</h1>
<p>This link does not exist or has expired.</p>
</body>
</html>
`))

type watchPage struct {
	Title       string
	Kind        string
	StreamURL   string
	DownloadURL string
}

// handleWatch renders an inline player page for the linked object
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	record, err := s.registry.Get(r.Context(), token)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			notFoundTemplate.Execute(w, nil)
			return
		}
		s.log.Error("registry lookup failed", map[string]interface{}{
			"token": token,
			"error": err.Error(),
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	title := record.FileName
	if title == "" {
		title = token
	}
	page := watchPage{
		Title:       title,
		Kind:        mediaKind(record.MIMEType),
		StreamURL:   "/stream/" + token,
		DownloadURL: "/dl/" + token,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	watchTemplate.Execute(w, page)
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	default:
		return "other"
	}
}
