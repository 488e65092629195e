package web

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

//go:embed static
var staticFS embed.FS

// staticHandler serves the embedded browser assets. The root document is
// never cached — it references fingerprintless asset paths and must pick up
// new deployments immediately — while assets get a day of caching plus ETag
// and Last-Modified revalidation.
type staticHandler struct {
	files   fs.FS
	etags   map[string]string
	modTime time.Time
}

func newStaticHandler() (*staticHandler, error) {
	files, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("embedded static tree: %w", err)
	}

	// Embedded files carry no modification time; content hashes computed
	// once at startup stand in as validators.
	etags := make(map[string]string)
	err = fs.WalkDir(files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(files, p)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		etags[p] = `"` + hex.EncodeToString(sum[:8]) + `"`
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hashing static assets: %w", err)
	}

	return &staticHandler{
		files:   files,
		etags:   etags,
		modTime: time.Now().UTC(),
	}, nil
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" || name == "." {
		name = "index.html"
	}

	data, err := fs.ReadFile(h.files, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if name == "index.html" {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("ETag", h.etags[name])
	}

	// ServeContent negotiates If-None-Match / If-Modified-Since and the
	// content type from the extension.
	http.ServeContent(w, r, name, h.modTime, bytes.NewReader(data))
}
