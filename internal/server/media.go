package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

const maxUploadBytes = 64 << 20

type mediaStore struct {
	repo      repo.Repo
	dir       string
	publicURL string
	basePath  string
	log       *zap.Logger
}

// upload accepts multipart field "file" and answers {url}.
func (m mediaStore) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer drain(r.Body)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart field file is required", map[string]any{"error": err.Error()}))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(header.Filename))); byExt != "" {
			contentType = byExt
		} else {
			contentType = "image/jpeg"
		}
	}
	name := uuid.NewString() + mediaExt(header.Filename, contentType)
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	size, err := m.write(name, file)
	if err != nil {
		m.log.Error("store media", zap.String("name", name), zap.Error(err))
		respondStatusError(w, handleError(err))
		return
	}
	obj := domain.MediaObject{Name: name, ContentType: contentType, Size: size}
	if err := m.repo.InsertMedia(r.Context(), obj); err != nil {
		_ = os.Remove(filepath.Join(m.dir, name))
		respondStatusError(w, handleError(err))
		return
	}
	m.log.Info("media stored", zap.String("name", name), zap.Int64("size", size), zap.String("content_type", contentType))
	writeJSON(w, http.StatusCreated, MediaUploadResponse{URL: m.url(r, name), Name: name, Size: size})
}

func (m mediaStore) write(name string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(m.dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return size, nil
}

func (m mediaStore) serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "media not found", nil))
		return
	}
	obj, err := m.repo.GetMedia(r.Context(), name)
	if errors.Is(err, repo.ErrNotFound) {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "media not found", nil))
		return
	}
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	http.ServeFile(w, r, filepath.Join(m.dir, name))
}

func (m mediaStore) url(r *http.Request, name string) string {
	base := strings.TrimRight(m.publicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, r.Host)
	}
	return base + path.Join("/", m.basePath, "media", name)
}

func mediaExt(filename, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
