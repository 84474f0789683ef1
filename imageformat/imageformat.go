// Package imageformat defines the interface shared by the image stores
// (registries, directories and OCI archives) and the operations built on
// top of it: loading an Image, reading its config and layers, and saving
// it into another store.
package imageformat

import (
	"context"
	"io"
	"time"

	"github.com/twopence/twopence/blobcache"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/registry/client/auth"
)

// ImageFormat is a store holding one image.
type ImageFormat interface {
	// Spec returns the scheme:path string naming the store.
	Spec() string

	// Load resolves the image held by the store.
	Load(ctx context.Context) (*Image, error)

	// BlobExists reports whether the store holds the blob d.
	BlobExists(ctx context.Context, d manifest.Descriptor) (bool, error)

	// OpenBlob opens the blob d for reading.
	OpenBlob(ctx context.Context, d manifest.Descriptor) (io.ReadCloser, error)

	// Save writes img into the store.
	Save(ctx context.Context, img *Image) error
}

// BlobLocator is implemented by stores whose blobs can be referenced by
// URL from other images.
type BlobLocator interface {
	BlobURL(d manifest.Descriptor) string
}

// BlobFileLocator is implemented by stores keeping blobs as plain files.
// BlobPath returns "" when the blob has no file of its own.
type BlobFileLocator interface {
	BlobPath(d manifest.Descriptor) string
}

// Hardlinker is implemented by stores able to link a blob from a
// BlobFileLocator instead of copying it. HardlinkBlob returns false when
// no link could be made and the blob must be copied.
type Hardlinker interface {
	HardlinkBlob(ctx context.Context, src BlobFileLocator, d manifest.Descriptor) bool
}

// Saver is implemented by stores that use SaveImage.
type Saver interface {
	ImageFormat

	// BeginSave prepares the store for writing img.
	BeginSave(ctx context.Context, img *Image) error

	// PutBlob stores the blob d, reading its content from open.
	PutBlob(ctx context.Context, d manifest.Descriptor, open func() (io.ReadCloser, error)) error

	// PutManifest stores the manifest of img. It is called last.
	PutManifest(ctx context.Context, img *Image) error

	// EndSave releases whatever BeginSave acquired. It is called on every
	// path once BeginSave succeeded; failed reports whether the save is
	// being abandoned.
	EndSave(ctx context.Context, failed bool) error
}

// Options carry the settings shared by all stores.
type Options struct {
	// Architecture and OS select the manifest from an image index.
	Architecture string
	OS           string

	// Cache keeps downloaded blobs. May be nil.
	Cache *blobcache.Cache

	// Keystore supplies registry credentials. May be nil.
	Keystore auth.Keystore

	// Timeout bounds each registry request.
	Timeout time.Duration

	// Parameters holds store specific settings, keyed by scheme.
	Parameters map[string]map[string]interface{}
}

// DefaultArchitecture is used when Options leave the architecture empty.
const DefaultArchitecture = "amd64"

// Arch returns the architecture to select, defaulting to amd64.
func (o Options) Arch() string {
	if o.Architecture == "" {
		return DefaultArchitecture
	}
	return o.Architecture
}
