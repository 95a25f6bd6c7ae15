package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// sessionFileServer serves files from session directories. Only paths
// below the results root are served.
type sessionFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newSessionFileServer(log logrus.FieldLogger, resultsDir string) *sessionFileServer {
	root := ""
	if resultsDir != "" {
		if abs, err := filepath.Abs(resultsDir); err == nil {
			root = abs
		}
	}

	return &sessionFileServer{
		log:  log.WithField("component", "session-file-server"),
		root: root,
	}
}

// ServeFile serves filePath relative to sessionDir.
func (l *sessionFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	sessionDir, filePath string,
) error {
	if l.root == "" {
		return fmt.Errorf("file serving disabled")
	}

	if !isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	dir, err := filepath.Abs(sessionDir)
	if err != nil {
		return fmt.Errorf("resolving session dir: %w", err)
	}

	if !strings.HasPrefix(dir, l.root+string(filepath.Separator)) {
		return fmt.Errorf("session dir %q is outside the results root", sessionDir)
	}

	full := filepath.Join(dir, filepath.FromSlash(filePath))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("file %q not found", filePath)
	}

	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request paths.
func isAllowedPath(filePath string) bool {
	if filePath == "" {
		return false
	}

	if strings.Contains(filePath, "..") {
		return false
	}

	if filepath.IsAbs(filePath) || strings.HasPrefix(filePath, "/") {
		return false
	}

	// Ensure the path is clean (no double slashes, trailing slashes, etc.).
	return path.Clean(filePath) == filePath
}
