package api

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meartlab/meart/server/internal/catalog"
)

const (
	immutableCache = "public, max-age=31536000, immutable"
	indexFile      = "_index.json"
)

// asset serves GET <prefix>{identifier}: the exact file when it exists,
// otherwise whatever the catalog resolves the identifier to.
func (h *Handler) asset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ident := strings.TrimPrefix(r.URL.Path, h.opts.AssetPrefix)
	if ident == indexFile {
		h.assetIndex(w, r)
		return
	}
	if ident == "" || strings.Contains(ident, "/") {
		jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
		return
	}

	if p, ok := h.opts.Catalog.Exact(ident); ok {
		h.serveFile(w, r, p, immutableCache)
		return
	}
	res, err := h.opts.Catalog.Resolve(ident)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
			return
		}
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Fuzzy {
		w.Header().Set("X-Resolved-Asset", res.Name)
	}
	h.serveFile(w, r, res.Path, immutableCache)
}

// assetIndex lists the catalog, mirroring the _index.json the UI syncs with.
func (h *Handler) assetIndex(w http.ResponseWriter, r *http.Request) {
	names := h.opts.Catalog.List()
	w.Header().Set("Cache-Control", "no-cache")
	jsonResp(w, http.StatusOK, map[string]any{"ok": true, "count": len(names), "files": names})
}

// bgExists returns GET /__bg-exists?name= for deployment smoke tests.
func (h *Handler) bgExists(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonErr(w, http.StatusBadRequest, "name is required")
		return
	}
	resp := BgExistsResponse{OK: true, Name: name}
	if _, ok := h.opts.Catalog.Exact(name); ok {
		resp.Exists = true
		resp.Resolved = path.Base(name)
	} else if res, err := h.opts.Catalog.Resolve(name); err == nil {
		resp.Resolved = res.Name
		resp.Fuzzy = res.Fuzzy
	}
	jsonResp(w, http.StatusOK, resp)
}

// static serves plain files from the static dir.
func (h *Handler) static(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	rel := path.Clean("/" + strings.TrimPrefix(r.URL.Path, h.opts.StaticPrefix))
	if h.opts.StaticDir == "" || rel == "/" {
		jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
		return
	}
	h.serveFile(w, r, filepath.Join(h.opts.StaticDir, filepath.FromSlash(rel)), "no-cache")
}

// root serves files from the static dir at the site root (service worker,
// client scripts, index.html) and answers 404 JSON for everything else.
func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	p, ok := h.rootFile(r.URL.Path)
	if !ok {
		jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
		return
	}
	if !allow(w, r, http.MethodGet) {
		return
	}
	h.serveFile(w, r, p, "no-cache")
}

// rootFile maps a root URL path to a regular file in the static dir. "/"
// maps to index.html.
func (h *Handler) rootFile(urlPath string) (string, bool) {
	if h.opts.StaticDir == "" {
		return "", false
	}
	rel := path.Clean("/" + urlPath)
	if rel == "/" {
		rel = "/index.html"
	}
	p := filepath.Join(h.opts.StaticDir, filepath.FromSlash(rel))
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// favicon serves the static dir's favicon or an empty 204.
func (h *Handler) favicon(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if h.opts.StaticDir != "" {
		p := filepath.Join(h.opts.StaticDir, "favicon.ico")
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			h.serveFile(w, r, p, "public, max-age=86400")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveFile streams p, answering 404 JSON for anything but a regular file.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, p, cacheControl string) {
	f, err := os.Open(p)
	if err != nil {
		jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		jsonErrPath(w, http.StatusNotFound, "not found", r.URL.Path)
		return
	}
	w.Header().Set("Cache-Control", cacheControl)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}
