package imagesource

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/pkg/validation"
)

// FileLoader reads images from the local filesystem.
type FileLoader struct {
	validator *validation.ImageValidator
}

func NewFileLoader(validator *validation.ImageValidator) *FileLoader {
	return &FileLoader{validator: validator}
}

// Load accepts a path or a file:// URL.
func (l *FileLoader) Load(ctx context.Context, ref string) (*caption.Image, error) {
	path := strings.TrimSpace(ref)
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, apperrors.NewValidationError("invalid file URL", err)
		}
		path = u.Path
	}
	if path == "" {
		return nil, apperrors.NewValidationError("image path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NewNotFoundError("image not found: "+path, err)
	}
	if err != nil {
		return nil, apperrors.NewValidationError("cannot read image: "+path, err)
	}
	if info.IsDir() {
		return nil, apperrors.NewValidationError(path+" is a directory", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewValidationError("cannot read image: "+path, err)
	}
	return newImage(filepath.Base(path), data, l.validator)
}
