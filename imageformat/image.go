package imageformat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
	"github.com/twopence/twopence/reference"
)

// maxConfigSize bounds the size of image configurations read into memory.
const maxConfigSize = 8 << 20

// Image is a resolved manifest together with the store it came from.
type Image struct {
	Name     string
	Version  string
	Manifest *manifest.DeserializedManifest
	Loader   ImageFormat

	config *ImageConfig
}

// NewImage returns an image for m as loaded from loader.
func NewImage(name, version string, m *manifest.DeserializedManifest, loader ImageFormat) *Image {
	return &Image{
		Name:     name,
		Version:  version,
		Manifest: m,
		Loader:   loader,
	}
}

// Spec names the store the image was loaded from.
func (img *Image) Spec() string {
	if img.Loader == nil {
		return img.Name
	}
	return img.Loader.Spec()
}

// Config reads the image configuration. The result is cached.
func (img *Image) Config(ctx context.Context) (*ImageConfig, error) {
	if img.config != nil {
		return img.config, nil
	}

	if img.Manifest.SchemaVersion == 1 {
		img.config = schema1Config(img.Manifest)
		return img.config, nil
	}

	d := img.Manifest.Config
	if d == nil {
		return nil, &ImageLoadError{Image: img.Spec(), Reason: "manifest has no config descriptor"}
	}
	if d.MediaType != "" && !d.Type().IsConfig() {
		return nil, &ImageLoadError{Image: img.Spec(), Reason: fmt.Sprintf("unexpected config media type %q", d.MediaType)}
	}

	rc, err := img.Loader.OpenBlob(ctx, *d)
	if err != nil {
		return nil, &ImageLoadError{Image: img.Spec(), Reason: "cannot open config", Err: err}
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, maxConfigSize))
	if err != nil {
		return nil, &ImageLoadError{Image: img.Spec(), Reason: "cannot read config", Err: err}
	}
	config, err := ParseConfig(b)
	if err != nil {
		return nil, &ImageLoadError{Image: img.Spec(), Reason: "cannot parse config", Err: err}
	}
	img.config = config
	return config, nil
}

// OpenLayer opens one of the image's layers. With uncompress set, gzip
// and zstd content is decompressed on the fly.
func (img *Image) OpenLayer(ctx context.Context, d manifest.Descriptor, uncompress bool) (io.ReadCloser, error) {
	if !img.Manifest.HasLayer(d) {
		return nil, fmt.Errorf("%s: %s is not a layer of this image", img.Spec(), d.Digest)
	}

	rc, err := img.Loader.OpenBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	if !uncompress {
		return rc, nil
	}

	switch c := d.Type().Compression; c {
	case mediatype.Uncompressed:
		return rc, nil
	case mediatype.Gzip:
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("%s: layer %s: %w", img.Spec(), d.Digest, err)
		}
		return &layerReader{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case mediatype.Zstd:
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("%s: layer %s: %w", img.Spec(), d.Digest, err)
		}
		return &layerReader{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), rc}}, nil
	default:
		rc.Close()
		return nil, fmt.Errorf("compression mode %q currently not supported", c)
	}
}

// UncompressedDescriptor hashes the decompressed content of layer d and
// returns the descriptor of the uncompressed layer.
func (img *Image) UncompressedDescriptor(ctx context.Context, d manifest.Descriptor) (manifest.Descriptor, error) {
	rc, err := img.OpenLayer(ctx, d, true)
	if err != nil {
		return manifest.Descriptor{}, err
	}
	defer rc.Close()

	digester := d.Algorithm().Digester()
	size, err := io.Copy(digester.Hash(), rc)
	if err != nil {
		return manifest.Descriptor{}, &ImageLoadError{Image: img.Spec(), Reason: "cannot decompress layer " + d.Digest.String(), Err: err}
	}

	u := d.Clone()
	u.MediaType = d.Type().Uncompressed().String()
	u.Digest = digester.Digest()
	u.Size = size
	return u, nil
}

// ExternalReference rewrites layer d into a foreign layer pointing at its
// location in the image's store.
func (img *Image) ExternalReference(d manifest.Descriptor) (manifest.Descriptor, error) {
	locator, ok := img.Loader.(BlobLocator)
	if !ok {
		return manifest.Descriptor{}, fmt.Errorf("%s: blobs of this store cannot be referenced by URL", img.Spec())
	}
	return d.AsExternalReference(locator.BlobURL(d))
}

// BaseImages lists the images this one declares to be built on, taken
// from *.reference labels in the org.opensuse and com.suse namespaces.
func (img *Image) BaseImages(ctx context.Context) ([]string, error) {
	dcontext.GetLogger(ctx).Info("Checking for base images")

	config, err := img.Config(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var bases []string
	for label, value := range config.Labels() {
		if !strings.HasPrefix(label, "org.opensuse.") && !strings.HasPrefix(label, "com.suse.") {
			continue
		}
		if !strings.HasSuffix(label, ".reference") || seen[value] {
			continue
		}
		dcontext.GetLogger(ctx).Infof("  This image is based on %s", value)
		seen[value] = true
		bases = append(bases, value)
	}
	sort.Strings(bases)
	return bases, nil
}

type layerReader struct {
	io.Reader
	closers []io.Closer
}

func (r *layerReader) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ImageConfig is the image configuration blob.
type ImageConfig struct {
	v1.Image

	// ID and Names are recorded by some builders in the container
	// config, next to the labels.
	ID    string
	Names []string
}

// ParseConfig decodes an image configuration.
func ParseConfig(b []byte) (*ImageConfig, error) {
	var c ImageConfig
	if err := json.Unmarshal(b, &c.Image); err != nil {
		return nil, err
	}

	var extra struct {
		Config struct {
			ID    string   `json:"Id"`
			Names []string `json:"Names"`
		} `json:"config"`
	}
	if err := json.Unmarshal(b, &extra); err != nil {
		return nil, err
	}
	c.ID = extra.Config.ID
	c.Names = extra.Config.Names
	return &c, nil
}

func schema1Config(m *manifest.DeserializedManifest) *ImageConfig {
	c := &ImageConfig{ID: m.ImageID()}
	c.Architecture = m.Architecture
	if version := m.ImageVersion(); version != "" {
		c.Config.Labels = map[string]string{v1.AnnotationVersion: version}
	}
	return c
}

// Labels returns the configured labels, never nil.
func (c *ImageConfig) Labels() map[string]string {
	if c.Config.Labels == nil {
		return map[string]string{}
	}
	return c.Config.Labels
}

// Version returns the org.opencontainers.image.version label.
func (c *ImageConfig) Version() string {
	return c.Labels()[v1.AnnotationVersion]
}

// ImageNames parses the names recorded in the config.
func (c *ImageConfig) ImageNames() ([]reference.Reference, error) {
	var refs []reference.Reference
	for _, name := range c.Names {
		ref, err := reference.Parse(name)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
