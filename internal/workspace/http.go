package workspace

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noco-ai/arcane-bridge/internal/security"
)

const maxUpload = 32 << 20

// Routes serves workspace files and uploads. Files are readable by their
// owner, or by anyone holding an access key.
func (w *Workspaces) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/upload", w.upload)
	r.Get("/*", w.serve)
	return r
}

func (w *Workspaces) serve(rw http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if !filepath.IsLocal(rel) {
		http.Error(rw, "not found", http.StatusNotFound)
		return
	}
	if key := r.URL.Query().Get("key"); key == "" || !w.UseAccessKey(key) {
		claims, err := security.ClaimsFrom(r.Context())
		owner, _, _ := strings.Cut(rel, "/")
		if err != nil || owner != strconv.FormatInt(claims.UserID, 10) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
	}
	http.ServeFile(rw, r, w.abs(rel))
}

func (w *Workspaces) upload(rw http.ResponseWriter, r *http.Request) {
	socketID := r.URL.Query().Get("socket_id")
	claims, err := security.ClaimsFrom(r.Context())
	if err != nil {
		http.Error(rw, `{"message":"invalid token provided"}`, http.StatusUnauthorized)
		return
	}
	s, err := w.session(socketID)
	if err != nil || s.userID != claims.UserID {
		http.Error(rw, `{"message":"no socket id provided"}`, http.StatusBadRequest)
		return
	}
	if conv := r.URL.Query().Get("conversation_id"); conv != "" && conv != "0" {
		if err := w.SetCurrent(socketID, "chats/chat-"+conv, true); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	var saved []string
	for _, headers := range r.MultipartForm.File {
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			name, err := w.SaveFile(socketID, h.Filename, data)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			saved = append(saved, name)
		}
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string][]string{"files": saved})
}
