package imagesource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"go-image-captioner/internal/caption"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/pkg/validation"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// BlobLoader downloads images from Azure blob storage.
type BlobLoader struct {
	client    *azblob.Client
	host      string
	validator *validation.ImageValidator
	maxSize   int64
}

// NewBlobLoader authenticates with a storage account shared key.
func NewBlobLoader(accountName, accountKey string, validator *validation.ImageValidator, maxSize int64) (*BlobLoader, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, apperrors.NewConfigError("invalid Azure storage credentials", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s%s", accountName, blobHostSuffix),
		credential,
		nil,
	)
	if err != nil {
		return nil, apperrors.NewConfigError("failed to create Azure blob client", err)
	}
	return NewBlobLoaderWithClient(client, accountName, validator, maxSize), nil
}

// NewBlobLoaderWithClient wraps an existing client authorised for
// accountName.
func NewBlobLoaderWithClient(client *azblob.Client, accountName string, validator *validation.ImageValidator, maxSize int64) *BlobLoader {
	return &BlobLoader{
		client:    client,
		host:      strings.ToLower(accountName) + blobHostSuffix,
		validator: validator,
		maxSize:   maxSize,
	}
}

// Serves reports whether ref names a blob in the loader's account.
func (l *BlobLoader) Serves(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	return err == nil && strings.EqualFold(u.Hostname(), l.host)
}

// Load accepts https://<account>.blob.core.windows.net/<container>/<blob>,
// or the container in the path and the blob name in a "blob" query parameter.
func (l *BlobLoader) Load(ctx context.Context, ref string) (*caption.Image, error) {
	if !l.Serves(ref) {
		return nil, apperrors.NewValidationError("blob URL is outside storage account "+l.host, nil)
	}
	containerName, blobName, err := parseBlobURL(ref)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("blob not found: %s/%s", containerName, blobName), err)
		}
		return nil, apperrors.NewNetworkError("blob download failed", err)
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if l.maxSize > 0 {
		body = io.LimitReader(resp.Body, l.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.NewNetworkError("blob download failed", err)
	}
	if l.maxSize > 0 && int64(len(data)) > l.maxSize {
		return nil, apperrors.NewValidationError(fmt.Sprintf("image exceeds %d bytes", l.maxSize), nil)
	}
	return newImage(path.Base(blobName), data, l.validator)
}

func parseBlobURL(ref string) (containerName, blobName string, err error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", "", apperrors.NewValidationError("invalid blob URL", err)
	}

	p := strings.TrimPrefix(u.Path, "/")
	if q := u.Query().Get("blob"); q != "" {
		containerName, blobName = strings.TrimSuffix(p, "/"), q
	} else {
		containerName, blobName, _ = strings.Cut(p, "/")
	}
	if containerName == "" || blobName == "" {
		return "", "", apperrors.NewValidationError("blob URL must name a container and a blob", nil)
	}
	return containerName, blobName, nil
}
