package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/treesync/pkg/diff"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/store"
	"github.com/sidkik/treesync/pkg/tree"
)

const (
	// ContentHashHeader carries the expected SHA-256 of a downloaded file.
	ContentHashHeader = "X-Content-Sha256"

	// PublishedAtHeader carries the time a snapshot was published.
	PublishedAtHeader = "X-Published-At"
)

// VersionsResponse is the body of the versions route.
type VersionsResponse struct {
	Profile  string   `json:"profile"`
	Versions []string `json:"versions"`
	Latest   string   `json:"latest,omitempty"`
}

// PublishResponse is the body returned after publishing a tree.
type PublishResponse struct {
	Profile    string `json:"profile"`
	Version    string `json:"version"`
	Category   string `json:"category"`
	Files      int    `json:"files"`
	Dirs       int    `json:"dirs"`
	TotalBytes int64  `json:"totalBytes"`
}

// SyncRequest is the body of the sync route. Path is resolved below the
// configured sync root, and may be relative to it. If neither Include nor
// Exclude is set, the filters configured for the category are used.
type SyncRequest struct {
	Path    string   `json:"path"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]
	versions, err := s.store.Versions(profile)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp := VersionsResponse{Profile: profile, Versions: versions}
	if resp.Versions == nil {
		resp.Versions = []string{}
	}
	if len(versions) > 0 {
		resp.Latest = versions[len(versions)-1]
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.getSnapshot(w, r)
	if !ok {
		return
	}

	w.Header().Set(PublishedAtHeader, snapshot.PublishedAt.Format(http.TimeFormat))
	s.writeJSON(w, r, http.StatusOK, snapshot.Tree)
}

func (s *Server) publishTree(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return
	}

	// The key is validated, so its parts can't escape ClientsDir.
	root := filepath.Join(s.config.ClientsDir, key.Profile, key.Version, key.Category)
	filters := s.config.Filters(key.Category)
	snapshot, err := s.store.Publish(r.Context(), key, root, filters.Include, filters.Exclude)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	stats := tree.Summarize(snapshot.Tree)
	s.writeJSON(w, r, http.StatusCreated, PublishResponse{
		Profile:    key.Profile,
		Version:    key.Version,
		Category:   key.Category,
		Files:      stats.Files,
		Dirs:       stats.Dirs,
		TotalBytes: stats.TotalBytes,
	})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.getSnapshot(w, r)
	if !ok {
		return
	}

	// Only files in the published snapshot are served, so excluded or newly
	// added files in the canonical tree aren't exposed.
	relPath := strings.Trim(mux.Vars(r)["path"], "/")
	entry, ok := snapshot.Tree.Lookup(relPath)
	file, isFile := entry.(*tree.File)
	if !ok || !isFile {
		s.writeError(w, r, http.StatusNotFound,
			errors.Newf("%s is not a file in %s", relPath, snapshot.Key))
		return
	}

	key := snapshot.Key
	root := filepath.Join(s.config.ClientsDir, key.Profile, key.Version, key.Category)
	path, err := securejoin.SecureJoin(root, filepath.FromSlash(relPath))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	f, err := s.fs.Open(path)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, errors.IOError{Op: "open", Path: relPath, Err: err})
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, errors.IOError{Op: "stat", Path: relPath, Err: err})
		return
	}

	w.Header().Set(ContentHashHeader, file.Hash())
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, file.Name(), fi.ModTime(), f)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.getSnapshot(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.WithContext(err, "decode request"))
		return
	}
	if req.Path == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	if s.config.SyncRoot == "" {
		s.writeError(w, r, http.StatusForbidden, errors.New("sync is disabled: no syncRoot is configured"))
		return
	}
	path, err := resolveBelow(s.config.SyncRoot, req.Path)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.Include == nil && req.Exclude == nil {
		filters := s.config.Filters(snapshot.Key.Category)
		req.Include, req.Exclude = filters.Include, filters.Exclude
	}

	local, err := s.hasher.HashDirectory(r.Context(), path, req.Include, req.Exclude)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	result, err := diff.Compare(local, snapshot.Tree, diff.WithConflictPolicy(s.conflictPolicy))
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.requestLogger(r).WithFields(log.Fields{
		"key":      snapshot.Key.String(),
		"path":     req.Path,
		"missing":  truncateSlice(result.Missing, 5),
		"modified": truncateSlice(result.Modified, 5),
		"extra":    truncateSlice(result.Extra, 5),
	}).Info("Computed sync")
	s.writeJSON(w, r, http.StatusOK, result)
}

// resolveBelow resolves `path` below `root`. Absolute paths must already be
// inside `root`, and relative paths may not climb out of it. Symlinks are
// resolved within `root` as well.
func resolveBelow(root, path string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(rel) {
		var err error
		rel, err = filepath.Rel(root, rel)
		if err != nil {
			return "", errors.WithContext(err, "resolve path")
		}
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Newf("%s is outside of the sync root", path)
	}
	return securejoin.SecureJoin(root, rel)
}

// getSnapshot loads the snapshot named by the request, and writes an error
// response if it can't.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) (store.Snapshot, bool) {
	key, ok := s.keyFromRequest(w, r)
	if !ok {
		return store.Snapshot{}, false
	}

	snapshot, err := s.store.Get(key)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return store.Snapshot{}, false
	}
	return snapshot, true
}

func (s *Server) keyFromRequest(w http.ResponseWriter, r *http.Request) (store.Key, bool) {
	vars := mux.Vars(r)
	key := store.Key{
		Profile:  vars["profile"],
		Version:  vars["version"],
		Category: vars["category"],
	}
	if err := key.Validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return store.Key{}, false
	}
	return key, true
}

func statusForError(err error) int {
	var ioErr errors.IOError
	var conflict errors.TreeConflict
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ioErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.requestLogger(r).WithError(err).Warn("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := s.requestLogger(r).WithError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed")
	} else {
		logger.Debug("Request rejected")
	}

	s.writeJSON(w, r, status, errorResponse{
		Error:     err.Error(),
		RequestID: requestID(r),
	})
}
