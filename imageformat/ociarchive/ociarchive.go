// Package ociarchive implements the oci-archive image store: a tar file
// holding an OCI image layout with a single image.
package ociarchive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/imageformat/factory"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
)

const (
	schemeName = "oci-archive"

	layoutFile = v1.ImageLayoutFile
	indexFile  = "index.json"

	// maxMetadataSize bounds oci-layout, index.json and manifests read
	// into memory.
	maxMetadataSize = 4 << 20
)

func init() {
	factory.Register(schemeName, &archiveFactory{})
}

// archiveFactory implements the factory.ImageFormatFactory interface
type archiveFactory struct{}

func (factory *archiveFactory) Create(ctx context.Context, path string, opts imageformat.Options) (imageformat.ImageFormat, error) {
	var params Parameters
	if err := mapstructure.Decode(opts.Parameters[schemeName], &params); err != nil {
		return nil, fmt.Errorf("%s parameters: %w", schemeName, err)
	}
	if path == "" {
		return nil, errors.New("oci-archive: no path given")
	}
	return New(path, params.Name, v1.Platform{Architecture: opts.Arch(), OS: opts.OS}), nil
}

// Parameters are the oci-archive specific settings.
type Parameters struct {
	// Name overrides the image name, which defaults to the base name of
	// the archive.
	Name string `mapstructure:"name"`
}

// Store is an image kept in an OCI archive. A store is either reading or,
// between BeginSave and EndSave, writing; the modes do not mix.
type Store struct {
	path     string
	name     string
	platform v1.Platform

	w *archiveWriter
}

var _ imageformat.Saver = &Store{}

// New returns the store for the archive at path. The manifest for
// platform is picked from the archive's index.
func New(path, name string, platform v1.Platform) *Store {
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &Store{path: path, name: name, platform: platform}
}

// Spec returns oci-archive:path.
func (s *Store) Spec() string {
	return schemeName + ":" + s.path
}

func (s *Store) loadError(reason string, err error) error {
	return &imageformat.ImageLoadError{Image: s.Spec(), Reason: reason, Err: err}
}

func blobMember(dgst digest.Digest) string {
	return "blobs/" + dgst.Algorithm().String() + "/" + dgst.Encoded()
}

// Load reads oci-layout and index.json and then the manifest the index
// selects for the store's platform.
func (s *Store) Load(ctx context.Context) (*imageformat.Image, error) {
	if s.w != nil {
		return nil, s.loadError("archive is open for writing", nil)
	}
	ctx = dcontext.WithImageSpec(ctx, s.Spec())

	members, err := s.readMembers(layoutFile, indexFile)
	if err != nil {
		return nil, s.loadError("cannot read archive", err)
	}

	b, ok := members[layoutFile]
	if !ok {
		return nil, s.loadError("archive has no "+layoutFile, os.ErrNotExist)
	}
	var layout v1.ImageLayout
	if err := json.Unmarshal(b, &layout); err != nil {
		return nil, s.loadError("cannot parse "+layoutFile, err)
	}
	if layout.Version != v1.ImageLayoutVersion {
		return nil, s.loadError(fmt.Sprintf("Unexpected imageLayoutVersion %q in %s", layout.Version, layoutFile), nil)
	}

	b, ok = members[indexFile]
	if !ok {
		return nil, s.loadError("archive has no "+indexFile, os.ErrNotExist)
	}
	ix, err := manifest.UnmarshalIndex(b, true)
	if err != nil {
		return nil, s.loadError("cannot parse "+indexFile, err)
	}
	d, err := ix.Find(s.platform)
	if err != nil {
		return nil, s.loadError("cannot pick manifest", err)
	}
	dcontext.GetLogger(ctx).Debugf("Using manifest for %s: %s", d.PlatformString(), d.Digest)

	rc, err := s.openMember(blobMember(d.Digest))
	if err != nil {
		return nil, s.loadError("cannot open manifest "+d.Digest.String(), err)
	}
	defer rc.Close()
	b, err = io.ReadAll(io.LimitReader(rc, maxMetadataSize))
	if err != nil {
		return nil, s.loadError("cannot read manifest "+d.Digest.String(), err)
	}
	if d.Digest.Algorithm().FromBytes(b) != d.Digest {
		return nil, s.loadError("manifest content does not match digest "+d.Digest.String(), nil)
	}

	m, err := manifest.UnmarshalManifest(b, true)
	if err != nil {
		return nil, s.loadError("cannot parse manifest", err)
	}
	if m.SchemaVersion != 2 {
		return nil, s.loadError(fmt.Sprintf("unexpected manifest schemaVersion %d", m.SchemaVersion), nil)
	}
	return imageformat.NewImage(s.name, "", m, s), nil
}

// BlobExists reports whether the archive holds d. While saving, only the
// blob written last is known.
func (s *Store) BlobExists(ctx context.Context, d manifest.Descriptor) (bool, error) {
	if s.w != nil {
		return s.w.last == d.Digest, nil
	}

	rc, err := s.openMember(blobMember(d.Digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rc.Close()
	return true, nil
}

// OpenBlob opens the archive member holding d.
func (s *Store) OpenBlob(ctx context.Context, d manifest.Descriptor) (io.ReadCloser, error) {
	if s.w != nil {
		return nil, fmt.Errorf("%s: archive is open for writing", s.Spec())
	}
	return s.openMember(blobMember(d.Digest))
}

// Save writes img into a new archive, replacing any existing one once
// the save succeeds.
func (s *Store) Save(ctx context.Context, img *imageformat.Image) error {
	return imageformat.SaveImage(ctx, s, img)
}

func (s *Store) BeginSave(ctx context.Context, img *imageformat.Image) error {
	if s.w != nil {
		return errors.New("archive is already open for writing")
	}

	w, err := newArchiveWriter(s.path)
	if err != nil {
		return err
	}
	layout, err := json.Marshal(v1.ImageLayout{Version: v1.ImageLayoutVersion})
	if err != nil {
		w.abort()
		return err
	}
	if err := w.add(layoutFile, bytes.NewReader(layout)); err != nil {
		w.abort()
		return err
	}
	s.w = w
	return nil
}

func (s *Store) PutBlob(ctx context.Context, d manifest.Descriptor, open func() (io.ReadCloser, error)) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	verifier := d.Digest.Verifier()
	if err := s.w.add(blobMember(d.Digest), io.TeeReader(src, verifier)); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob %s: content does not match digest", d.Digest)
	}
	s.w.last = d.Digest
	return nil
}

// PutManifest stores the manifest as a blob and writes an index.json
// with a single entry pointing at it.
func (s *Store) PutManifest(ctx context.Context, img *imageformat.Image) error {
	_, payload, err := img.Manifest.Payload()
	if err != nil {
		return err
	}
	d := img.Manifest.Descriptor()
	if err := s.w.add(blobMember(d.Digest), bytes.NewReader(payload)); err != nil {
		return err
	}

	ix, err := manifest.NewIndex(mediatype.VendorOCI, []manifest.Descriptor{d}, nil)
	if err != nil {
		return err
	}
	_, indexPayload, err := ix.Payload()
	if err != nil {
		return err
	}
	return s.w.add(indexFile, bytes.NewReader(indexPayload))
}

func (s *Store) EndSave(ctx context.Context, failed bool) error {
	w := s.w
	s.w = nil
	if w == nil {
		return nil
	}
	if failed {
		w.abort()
		return nil
	}
	return w.commit()
}

// readMembers returns the content of the named archive members found.
func (s *Store) readMembers(names ...string) (map[string][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	found := make(map[string][]byte)
	tr := tar.NewReader(f)
	for len(found) < len(wanted) {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := memberName(hdr)
		if !wanted[name] || hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(tr, maxMetadataSize))
		if err != nil {
			return nil, err
		}
		found[name] = b
	}
	return found, nil
}

// openMember scans the archive for the regular file name.
func (s *Store) openMember(name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			f.Close()
			return nil, fmt.Errorf("%s: no member %s: %w", s.path, name, os.ErrNotExist)
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg && memberName(hdr) == name {
			return &memberReader{Reader: tr, f: f}, nil
		}
	}
}

func memberName(hdr *tar.Header) string {
	return strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./")
}

type memberReader struct {
	io.Reader
	f *os.File
}

func (r *memberReader) Close() error {
	return r.f.Close()
}
