// Package imagesource loads images to caption from local files, plain
// HTTP(S) URLs and Azure blob storage.
package imagesource

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/pkg/validation"
)

// Loader reads the image a reference points at.
type Loader interface {
	Load(ctx context.Context, ref string) (*caption.Image, error)
}

// Kind names a storage backend.
type Kind string

const (
	KindFile Kind = "file"
	KindHTTP Kind = "http"
	KindBlob Kind = "azure"
)

const blobHostSuffix = ".blob.core.windows.net"

// accountScoped loaders only read from one storage account.
type accountScoped interface {
	Serves(ref string) bool
}

// Resolver picks a Loader by the shape of the reference.
type Resolver struct {
	loaders map[Kind]Loader
}

// NewResolver creates a resolver. Kinds without a loader are rejected at
// Load time.
func NewResolver(loaders map[Kind]Loader) *Resolver {
	return &Resolver{loaders: loaders}
}

// Classify reports which kind of storage ref points at. Only references
// with a "scheme://" prefix are URLs; anything else is a file path.
func Classify(ref string) Kind {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref, "://") {
		return KindFile
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Windows drive letters parse as a scheme
		return KindFile
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return KindFile
	case "http", "https":
		if strings.HasSuffix(strings.ToLower(u.Hostname()), blobHostSuffix) {
			return KindBlob
		}
		return KindHTTP
	}
	return Kind(strings.ToLower(u.Scheme))
}

// Load implements Loader.
func (r *Resolver) Load(ctx context.Context, ref string) (*caption.Image, error) {
	kind := Classify(ref)
	loader, ok := r.loaders[kind]
	if kind == KindBlob {
		if scoped, isScoped := loader.(accountScoped); isScoped && !scoped.Serves(ref) {
			ok = false
		}
		if !ok {
			// anonymous, SAS and other accounts' blobs are plain HTTPS downloads
			loader, ok = r.loaders[KindHTTP]
		}
	}
	if !ok || loader == nil {
		return nil, apperrors.NewValidationError("unsupported image reference: "+string(kind), nil)
	}
	return loader.Load(ctx, ref)
}

// newImage validates data and wraps it for captioning.
func newImage(name string, data []byte, v *validation.ImageValidator) (*caption.Image, error) {
	if v == nil {
		v = validation.NewImageValidator(0)
	}
	info, err := v.Validate(data)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(name) == "" {
		name += info.Extension
	}
	return &caption.Image{Name: name, ContentType: info.ContentType, Data: data}, nil
}
