package hub

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robman/flo.monster-sub000/internal/auth"
)

// timeNow is stubbed in tests to exercise signature expiry.
var timeNow = time.Now

// handleFile serves agent workspace files at
// /agents/{agentId}/files/{path}?sig={hex}&exp={unix}. Anything but a
// valid, unexpired signature gets a 403.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	agentID, relPath, ok := splitFileURL(r.URL.Path)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	sig := r.URL.Query().Get("sig")
	exp := r.URL.Query().Get("exp")
	if err := auth.VerifyFileSignature(s.signingSecret, agentID, relPath, sig, exp, timeNow()); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	full, err := s.agentFilePath(agentID, relPath)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, full)
}

// splitFileURL decomposes /agents/{agentId}/files/{path...}.
func splitFileURL(urlPath string) (agentID, relPath string, ok bool) {
	rest, found := strings.CutPrefix(urlPath, "/agents/")
	if !found {
		return "", "", false
	}
	agentID, relPath, found = strings.Cut(rest, "/files/")
	if !found || agentID == "" || relPath == "" {
		return "", "", false
	}
	return agentID, relPath, true
}

// agentFilePath resolves a workspace-relative path, refusing traversal
// outside the agent's directory.
func (s *Server) agentFilePath(agentID, relPath string) (string, error) {
	root := filepath.Join(s.sandboxPath, agentID)
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errors.New("path escapes agent workspace")
	}
	return full, nil
}

// applyFileWrite applies a file write-through to the agent workspace.
func (s *Server) applyFileWrite(agentID, relPath, content, action string) error {
	if agentID == "" || relPath == "" {
		return errors.New("missing agent or path")
	}
	full, err := s.agentFilePath(agentID, relPath)
	if err != nil {
		return err
	}
	if action == "delete" {
		err := os.Remove(full)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}
