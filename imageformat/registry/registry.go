// Package registry implements the docker image store: an image in a
// registry speaking the distribution HTTP API.
package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/imageformat/factory"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/reference"
	"github.com/twopence/twopence/registry/client"
)

const schemeName = "docker"

func init() {
	factory.Register(schemeName, &registryFactory{})
}

// registryFactory implements the factory.ImageFormatFactory interface
type registryFactory struct{}

func (factory *registryFactory) Create(ctx context.Context, path string, opts imageformat.Options) (imageformat.ImageFormat, error) {
	return FromOptions(path, opts)
}

// Parameters are the docker specific settings.
type Parameters struct {
	InsecureSkipVerify bool   `mapstructure:"insecureskipverify"`
	UserAgent          string `mapstructure:"useragent"`
}

// Store is an image in a registry.
type Store struct {
	ref  reference.Reference
	opts imageformat.Options
	repo *client.Repository
}

var (
	_ imageformat.Saver           = &Store{}
	_ imageformat.BlobLocator     = &Store{}
	_ imageformat.BlobFileLocator = &Store{}
)

// FromOptions returns the store for the image reference path. Settings
// under the "docker" parameters are decoded into Parameters.
func FromOptions(path string, opts imageformat.Options) (*Store, error) {
	var params Parameters
	if err := mapstructure.Decode(opts.Parameters[schemeName], &params); err != nil {
		return nil, fmt.Errorf("%s parameters: %w", schemeName, err)
	}

	ref, err := reference.Parse(path)
	if err != nil {
		return nil, err
	}
	return New(ref.WithArchitecture(opts.Arch()), opts, params), nil
}

// New returns the store for ref. Each store talks to the registry
// through its own session.
func New(ref reference.Reference, opts imageformat.Options, params Parameters) *Store {
	session := client.NewSession(client.SessionOptions{
		Keystore:           opts.Keystore,
		Timeout:            opts.Timeout,
		UserAgent:          params.UserAgent,
		InsecureSkipVerify: params.InsecureSkipVerify,
	})
	return &Store{
		ref:  ref,
		opts: opts,
		repo: client.NewRepository(session, ref),
	}
}

// Spec returns docker://registry/name:tag.
func (s *Store) Spec() string {
	return schemeName + "://" + s.ref.String()
}

// Reference returns the image reference of the store.
func (s *Store) Reference() reference.Reference {
	return s.ref
}

func (s *Store) loadError(reason string, err error) error {
	return &imageformat.ImageLoadError{Image: s.Spec(), Reason: reason, Err: err}
}

// Load fetches the manifest stored under the tag. If the tag names an
// image index, the manifest for the configured platform is fetched in
// turn.
func (s *Store) Load(ctx context.Context) (*imageformat.Image, error) {
	ctx = dcontext.WithImageSpec(ctx, s.Spec())

	body, contentType, err := s.repo.GetManifest(ctx, s.ref.Tag)
	if err != nil {
		return nil, s.loadError("cannot fetch manifest", err)
	}
	m, ix, err := manifest.UnmarshalManifestOrIndex(body, contentType)
	if err != nil {
		return nil, s.loadError("cannot parse manifest", err)
	}

	if ix != nil {
		platform := v1.Platform{Architecture: s.opts.Arch(), OS: s.opts.OS}
		d, err := ix.Find(platform)
		if err != nil {
			return nil, s.loadError("cannot find image for "+s.repo.Name()+":"+s.ref.Tag, err)
		}
		dcontext.GetLogger(ctx).Debugf("Using manifest for %s: %s", d.PlatformString(), d.Digest)

		if body, _, err = s.repo.GetManifest(ctx, d.Digest.String()); err != nil {
			return nil, s.loadError("cannot fetch manifest "+d.Digest.String(), err)
		}
		if m, err = manifest.UnmarshalManifest(body, true); err != nil {
			return nil, s.loadError("cannot parse manifest "+d.Digest.String(), err)
		}
		if m.SchemaVersion != 2 {
			return nil, s.loadError(fmt.Sprintf("unexpected manifest schemaVersion %d", m.SchemaVersion), nil)
		}
	}

	return imageformat.NewImage(s.repo.Name(), s.ref.Tag, m, s), nil
}

// BlobExists asks the registry for d.
func (s *Store) BlobExists(ctx context.Context, d manifest.Descriptor) (bool, error) {
	return s.repo.BlobExists(ctx, d.Digest)
}

// OpenBlob downloads d, through the blob cache if one is configured.
func (s *Store) OpenBlob(ctx context.Context, d manifest.Descriptor) (io.ReadCloser, error) {
	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		return s.repo.OpenBlob(ctx, d.Digest)
	}
	if s.opts.Cache == nil {
		return fetch(ctx)
	}
	return s.opts.Cache.Open(ctx, d.Digest, fetch)
}

// BlobURL is the URL d can be downloaded from.
func (s *Store) BlobURL(d manifest.Descriptor) string {
	return s.repo.BlobURL(d.Digest)
}

// BlobPath returns the blob cache file of d once it has been downloaded,
// so that directory stores can link it.
func (s *Store) BlobPath(d manifest.Descriptor) string {
	if s.opts.Cache == nil {
		return ""
	}
	h, err := s.opts.Cache.Handle(d.Digest)
	if err != nil || !h.Exists() {
		return ""
	}
	return h.Path()
}

// Save pushes img into the repository under the store's tag.
func (s *Store) Save(ctx context.Context, img *imageformat.Image) error {
	return imageformat.SaveImage(ctx, s, img)
}

func (s *Store) BeginSave(ctx context.Context, img *imageformat.Image) error {
	dcontext.GetLogger(ctx).Infof("Pushing %s to %s", img.Spec(), s.ref)
	return nil
}

func (s *Store) PutBlob(ctx context.Context, d manifest.Descriptor, open func() (io.ReadCloser, error)) error {
	return s.repo.UploadBlob(ctx, d, open)
}

func (s *Store) PutManifest(ctx context.Context, img *imageformat.Image) error {
	dgst, err := s.repo.PutManifest(ctx, s.ref.Tag, img.Manifest)
	if err != nil {
		return err
	}
	dcontext.GetLogger(ctx).Infof("Pushed manifest %s as %s", dgst, s.ref)
	return nil
}

func (s *Store) EndSave(ctx context.Context, failed bool) error {
	return nil
}
