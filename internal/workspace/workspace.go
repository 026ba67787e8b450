// Package workspace keeps a per-session folder of user files: uploads,
// generated images and anything a chat ability writes.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNoWorkspace is returned for sessions without a workspace.
var ErrNoWorkspace = errors.New("workspace: no workspace for session")

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true}

type session struct {
	userID  int64
	base    string // relative to root
	current string // relative to root
}

// Workspaces maps sessions to folders under one root.
type Workspaces struct {
	root    string
	baseURL string
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	keys     map[string]int
}

// New creates workspaces under root. File URLs start with baseURL.
func New(root, baseURL string, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{
		root:     root,
		baseURL:  strings.TrimRight(baseURL, "/") + "/",
		logger:   logger.With("component", "workspace"),
		sessions: make(map[string]*session),
		keys:     make(map[string]int),
	}
}

// Open gives a session the user's base folder.
func (w *Workspaces) Open(socketID string, userID int64) error {
	base := strconv.FormatInt(userID, 10)
	if err := os.MkdirAll(filepath.Join(w.root, base), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	w.mu.Lock()
	w.sessions[socketID] = &session{userID: userID, base: base, current: base}
	w.mu.Unlock()
	w.logger.Info("workspace opened", "socket_id", socketID, "path", base)
	return nil
}

// Close forgets a session. Its files stay.
func (w *Workspaces) Close(socketID string) {
	w.mu.Lock()
	delete(w.sessions, socketID)
	w.mu.Unlock()
}

func (w *Workspaces) session(socketID string) (session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[socketID]
	if !ok {
		return session{}, ErrNoWorkspace
	}
	return *s, nil
}

// SetCurrent moves the session into sub, a folder below the user's base.
func (w *Workspaces) SetCurrent(socketID, sub string, create bool) error {
	if !filepath.IsLocal(sub) {
		return fmt.Errorf("workspace: invalid folder %q", sub)
	}
	w.mu.Lock()
	s, ok := w.sessions[socketID]
	if ok {
		s.current = path.Join(s.base, filepath.ToSlash(sub))
	}
	w.mu.Unlock()
	if !ok {
		return ErrNoWorkspace
	}
	if create {
		if err := os.MkdirAll(w.abs(s.current), 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}
	return nil
}

// RemoveFolder deletes sub below a user's base folder.
func (w *Workspaces) RemoveFolder(userID int64, sub string) error {
	if !filepath.IsLocal(sub) || sub == "." {
		return fmt.Errorf("workspace: invalid folder %q", sub)
	}
	dir := filepath.Join(w.root, strconv.FormatInt(userID, 10), filepath.FromSlash(sub))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace folder: %w", err)
	}
	return nil
}

// Current returns the session's current folder on disk.
func (w *Workspaces) Current(socketID string) (string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return "", err
	}
	return w.abs(s.current), nil
}

func (w *Workspaces) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

// list returns the file names in the current folder.
func (w *Workspaces) list(s session) ([]os.DirEntry, error) {
	dir := w.abs(s.current)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.ReadDir(dir)
}

// MoveFiles moves files from the base folder into the current one and
// returns their new names.
func (w *Workspaces) MoveFiles(socketID string, names []string) ([]string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(w.abs(s.current), 0o755); err != nil {
		return nil, err
	}
	var moved []string
	for _, name := range names {
		name = filepath.Base(name)
		from := filepath.Join(w.abs(s.base), name)
		to := filepath.Join(w.abs(s.current), name)
		if from != to {
			if err := os.Rename(from, to); err != nil {
				return moved, fmt.Errorf("move %s: %w", name, err)
			}
		}
		moved = append(moved, name)
	}
	return moved, nil
}

// NewestImage returns the most recently modified image in the current
// folder, or "" when there is none.
func (w *Workspaces) NewestImage(socketID string) (string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return "", err
	}
	entries, err := w.list(s)
	if err != nil {
		return "", err
	}
	var (
		newest string
		best   int64
	)
	for _, e := range entries {
		if e.IsDir() || !imageExt[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); newest == "" || t > best {
			newest, best = e.Name(), t
		}
	}
	return newest, nil
}

// NextFile returns the first free name prefix01.ext, prefix02.ext, ...
func (w *Workspaces) NextFile(socketID, prefix, ext string) (string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return "", err
	}
	entries, err := w.list(s)
	if err != nil {
		return "", err
	}
	used := make(map[int]bool)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "."+ext) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), "."+ext)); err == nil {
			used[n] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return fmt.Sprintf("%s%02d.%s", prefix, n, ext), nil
}

// SaveFile writes data into the current folder.
func (w *Workspaces) SaveFile(socketID, name string, data []byte) (string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if err := os.MkdirAll(w.abs(s.current), 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(w.abs(s.current), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	w.logger.Info("saved workspace file", "path", p)
	return name, nil
}

// locate finds name in the current folder, then in the base folder, and
// returns its path relative to root.
func (w *Workspaces) locate(s session, name string) (string, bool) {
	for _, dir := range []string{s.current, s.base} {
		rel := path.Join(dir, filepath.ToSlash(name))
		if _, err := os.Stat(w.abs(rel)); err == nil {
			return rel, true
		}
	}
	return "", false
}

// FileURL returns a URL for a file in the session's workspace. A positive
// accessCount adds a key good for that many fetches.
func (w *Workspaces) FileURL(socketID, name string, accessCount int) (string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("workspace: invalid file %q", name)
	}
	rel, ok := w.locate(s, name)
	if !ok {
		return "", fmt.Errorf("workspace: %s: %w", name, os.ErrNotExist)
	}
	u := w.baseURL + rel
	if accessCount > 0 {
		key := uuid.NewString()
		w.mu.Lock()
		w.keys[key] = accessCount
		w.mu.Unlock()
		u += "?key=" + url.QueryEscape(key)
	}
	return u, nil
}

// UseAccessKey spends one use of key and reports whether it was valid.
func (w *Workspaces) UseAccessKey(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	left, ok := w.keys[key]
	if !ok {
		return false
	}
	if left > 1 {
		w.keys[key] = left - 1
	} else {
		delete(w.keys, key)
	}
	return true
}

// Files lists the current folder.
func (w *Workspaces) Files(socketID string) ([]string, error) {
	s, err := w.session(socketID)
	if err != nil {
		return nil, err
	}
	entries, err := w.list(s)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
