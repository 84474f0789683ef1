package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/registry/client"
)

// DefaultScheme is used for specs without a registered scheme prefix.
const DefaultScheme = "docker"

// formatFactories stores an internal mapping between image format schemes
// and their respective factories
var formatFactories = make(map[string]ImageFormatFactory)

var schemeRegexp = regexp.MustCompile(`^([-a-z]+):(.*)$`)

// ImageFormatFactory is a factory interface for creating
// imageformat.ImageFormat interfaces. Image formats should call Register()
// with a factory to make the format available by scheme.
type ImageFormatFactory interface {
	// Create returns a new imageformat.ImageFormat for the store at path.
	// Store specific settings are found in opts.Parameters under the
	// scheme the factory was registered with.
	Create(ctx context.Context, path string, opts imageformat.Options) (imageformat.ImageFormat, error)
}

// Register makes an image format available by the provided scheme.
// If Register is called twice with the same scheme or if factory is nil, it panics.
func Register(scheme string, factory ImageFormatFactory) {
	if factory == nil {
		panic("Must not provide nil ImageFormatFactory")
	}
	_, registered := formatFactories[scheme]
	if registered {
		panic(fmt.Sprintf("ImageFormatFactory named %s already registered", scheme))
	}

	formatFactories[scheme] = factory
}

// ParseSpec splits spec into scheme and path. A prefix that is not a
// registered scheme is part of the path, so "localhost:5000/app" names a
// registry image.
func ParseSpec(spec string) (scheme, path string) {
	if m := schemeRegexp.FindStringSubmatch(spec); m != nil {
		if _, ok := formatFactories[m[1]]; ok {
			return m[1], m[2]
		}
	}
	return DefaultScheme, spec
}

// Create a new imageformat.ImageFormat for spec. To use a format, the
// ImageFormatFactory must first be registered with its scheme. If no
// format is found, an InvalidImageFormatError is returned
func Create(ctx context.Context, spec string, opts imageformat.Options) (imageformat.ImageFormat, error) {
	scheme, path := ParseSpec(spec)
	formatFactory, ok := formatFactories[scheme]
	if !ok {
		return nil, InvalidImageFormatError{scheme}
	}
	return formatFactory.Create(ctx, path, opts)
}

// InvalidImageFormatError records an attempt to construct an unregistered image format
type InvalidImageFormatError struct {
	Name string
}

func (err InvalidImageFormatError) Error() string {
	return fmt.Sprintf("ImageFormat not registered: %s", err.Name)
}

// ImageFactory creates stores sharing one set of options.
type ImageFactory struct {
	Options imageformat.Options
}

// Storage returns the store named by spec.
func (f *ImageFactory) Storage(ctx context.Context, spec string) (imageformat.ImageFormat, error) {
	return Create(ctx, spec, f.Options)
}

// Load resolves the image named by spec.
func (f *ImageFactory) Load(ctx context.Context, spec string) (*imageformat.Image, error) {
	store, err := f.Storage(ctx, spec)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx)
}

// Resolve reports whether spec names an image available for os and arch.
// Empty values fall back to the factory options. A missing image is not
// an error.
func (f *ImageFactory) Resolve(ctx context.Context, spec, os, arch string) (bool, error) {
	opts := f.Options
	if os != "" {
		opts.OS = os
	}
	if arch != "" {
		opts.Architecture = arch
	}

	store, err := Create(ctx, spec, opts)
	if err != nil {
		return false, err
	}
	if _, err := store.Load(ctx); err != nil {
		if isMissing(err) {
			dcontext.GetLogger(ctx).Debugf("%s: %v", spec, err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isMissing(err error) bool {
	return errors.Is(err, manifest.ErrNoMatchingManifest) ||
		errors.Is(err, os.ErrNotExist) ||
		client.IsNotFound(err)
}
