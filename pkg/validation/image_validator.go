package validation

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"slices"
	"strings"

	apperrors "go-image-captioner/internal/errors"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedContentTypes are the formats the captioning backends accept.
var SupportedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
}

// ImageInfo describes a validated image.
type ImageInfo struct {
	ContentType string
	Extension   string
	Width       int
	Height      int
}

// ImageValidator checks raw image bytes before they reach a backend.
type ImageValidator struct {
	maxSize int64
	allowed []string
}

// NewImageValidator accepts the supported formats up to maxSize bytes. A
// maxSize of zero disables the size check.
func NewImageValidator(maxSize int64) *ImageValidator {
	return &ImageValidator{maxSize: maxSize, allowed: SupportedContentTypes}
}

// Validate detects the format of data and decodes its header.
func (v *ImageValidator) Validate(data []byte) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, apperrors.NewValidationError("image is empty", nil)
	}
	if v.maxSize > 0 && int64(len(data)) > v.maxSize {
		return ImageInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), v.maxSize), nil)
	}

	mtype := mimetype.Detect(data)
	contentType, _, _ := strings.Cut(mtype.String(), ";")
	if !slices.Contains(v.allowed, contentType) {
		return ImageInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("unsupported image type %s", contentType), nil)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, apperrors.NewValidationError("image could not be decoded", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, apperrors.NewValidationError("image has no pixels", nil)
	}

	return ImageInfo{
		ContentType: contentType,
		Extension:   mtype.Extension(),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}
