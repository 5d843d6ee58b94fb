package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowdhamkrishna/chatup/internal/config"
	"go.uber.org/zap"
)

const multipartOverhead = 1 << 20

var allowedImageExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// UploadHandler stores image attachments on local disk. The core only ever
// sees the returned URL, which clients pass along as a message's
// attachment reference.
type UploadHandler struct {
	cfg config.UploadConfig
	// baseURL overrides the request host in returned URLs when set.
	baseURL string
	log     *zap.Logger
}

func NewUploadHandler(cfg *config.Config, log *zap.Logger) (*UploadHandler, error) {
	if err := os.MkdirAll(cfg.Upload.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &UploadHandler{
		cfg:     cfg.Upload,
		baseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		log:     log,
	}, nil
}

type UploadResponse struct {
	Success  bool   `json:"success"`
	ImageURL string `json:"imageUrl"`
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.cfg.MaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File size too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > h.cfg.MaxBytes {
		http.Error(w, "File size too large", http.StatusRequestEntityTooLarge)
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedImageExt[ext] {
		http.Error(w, "Only image files are allowed", http.StatusBadRequest)
		return
	}

	name := uuid.NewString() + ext
	if err := h.store(name, file); err != nil {
		h.log.Error("upload store failed", zap.String("file", name), zap.Error(err))
		http.Error(w, "File upload failed", http.StatusInternalServerError)
		return
	}

	url := h.publicURL(r, name)
	h.log.Info("file uploaded", zap.String("url", url), zap.Int64("bytes", header.Size))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(UploadResponse{Success: true, ImageURL: url})
}

func (h *UploadHandler) store(name string, src io.Reader) error {
	dst, err := os.Create(filepath.Join(h.cfg.Dir, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	return dst.Close()
}

func (h *UploadHandler) publicURL(r *http.Request, name string) string {
	base := h.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/uploads/" + name
}

// Prune deletes uploads older than MaxAge.
func (h *UploadHandler) Prune(now time.Time) {
	if h.cfg.MaxAge <= 0 {
		return
	}
	entries, err := os.ReadDir(h.cfg.Dir)
	if err != nil {
		h.log.Warn("upload prune skipped", zap.Error(err))
		return
	}

	cutoff := now.Add(-h.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(h.cfg.Dir, entry.Name())); err != nil {
			h.log.Warn("upload prune failed", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		h.log.Info("old uploads removed", zap.Int("count", removed))
	}
}
