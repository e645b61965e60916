// Package media stores generated audio on disk and builds playable URLs.
package media

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const rootDir = "sfx_files"

type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, baseURL string) *FileStore {
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Save writes audio to sfx_files/<broadcaster>/<event>/<artifact>.mp3 and
// returns that relative path.
func (s *FileStore) Save(broadcasterID, eventID, artifactID string, audio []byte) (string, error) {
	for _, part := range []string{broadcasterID, eventID, artifactID} {
		if !safeSegment(part) {
			return "", fmt.Errorf("media: unsafe path segment %q", part)
		}
	}
	rel := path.Join(rootDir, broadcasterID, eventID, artifactID+".mp3")
	if err := atomicWrite(filepath.Join(s.dir, filepath.FromSlash(rel)), audio, 0o644); err != nil {
		return "", fmt.Errorf("media: write %s: %w", rel, err)
	}
	return rel, nil
}

// Remove deletes a file written by Save. A missing file is not an error.
func (s *FileStore) Remove(rel string) error {
	clean := path.Clean("/" + rel)[1:]
	if !strings.HasPrefix(clean, rootDir+"/") {
		return fmt.Errorf("media: refusing to remove %q", rel)
	}
	if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(clean))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("media: remove %s: %w", clean, err)
	}
	return nil
}

// URL is the reference the overlay plays.
func (s *FileStore) URL(rel string) string {
	return s.baseURL + "/" + strings.TrimLeft(rel, "/")
}

// Handler serves stored files read-only; directory listings are refused.
func (s *FileStore) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		fs.ServeHTTP(w, r)
	})
}

func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

func atomicWrite(target string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
