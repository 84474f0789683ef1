// Package directory implements the dir image store: a directory holding a
// version file, manifest.json and one flat file per blob, named after the
// hex part of its digest.
package directory

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/twopence/twopence/imageformat"
	"github.com/twopence/twopence/imageformat/factory"
	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
)

const (
	schemeName = "dir"

	versionFile  = "version"
	manifestFile = "manifest.json"

	versionHeader = "Directory Transport Version"
	// TransportVersion is the only layout version read and written.
	TransportVersion = "1.1"
)

func init() {
	factory.Register(schemeName, &directoryFactory{})
}

// directoryFactory implements the factory.ImageFormatFactory interface
type directoryFactory struct{}

func (factory *directoryFactory) Create(ctx context.Context, path string, opts imageformat.Options) (imageformat.ImageFormat, error) {
	return FromParameters(path, opts.Parameters[schemeName])
}

// Parameters are the dir specific settings.
type Parameters struct {
	// Name overrides the image name, which defaults to the base name of
	// the directory.
	Name string `mapstructure:"name"`
}

// Store is an image kept in a directory.
type Store struct {
	path string
	name string
}

var (
	_ imageformat.Saver           = &Store{}
	_ imageformat.BlobFileLocator = &Store{}
	_ imageformat.Hardlinker      = &Store{}
)

// FromParameters constructs a new Store for path with the given
// parameters
func FromParameters(path string, parameters map[string]interface{}) (*Store, error) {
	var params Parameters
	if err := mapstructure.Decode(parameters, &params); err != nil {
		return nil, fmt.Errorf("%s parameters: %w", schemeName, err)
	}
	if path == "" {
		return nil, errors.New("dir: no path given")
	}
	return New(path, params.Name), nil
}

// New returns the store in directory path. An empty name defaults to the
// base name of path.
func New(path, name string) *Store {
	if name == "" {
		name = filepath.Base(path)
	}
	return &Store{path: path, name: name}
}

// Spec returns dir:path.
func (s *Store) Spec() string {
	return schemeName + ":" + s.path
}

func (s *Store) loadError(reason string, err error) error {
	return &imageformat.ImageLoadError{Image: s.Spec(), Reason: reason, Err: err}
}

// Load checks the version file and reads manifest.json. The manifest may
// lack a media type.
func (s *Store) Load(ctx context.Context) (*imageformat.Image, error) {
	ctx = dcontext.WithImageSpec(ctx, s.Spec())

	f, err := os.Open(filepath.Join(s.path, versionFile))
	if err != nil {
		return nil, s.loadError("cannot open version file", err)
	}
	err = s.parseVersion(ctx, f)
	f.Close()
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(filepath.Join(s.path, manifestFile))
	if err != nil {
		return nil, s.loadError("cannot read manifest", err)
	}
	m, err := manifest.UnmarshalManifest(b, true)
	if err != nil {
		return nil, s.loadError("cannot parse manifest", err)
	}
	return imageformat.NewImage(s.name, "", m, s), nil
}

func (s *Store) parseVersion(ctx context.Context, r io.Reader) error {
	var version string
	found := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		header, value, ok := strings.Cut(line, ":")
		if !ok {
			return s.loadError(fmt.Sprintf("malformed line %q in version file", line), nil)
		}
		if header != versionHeader {
			dcontext.GetLogger(ctx).Infof("version file contains unknown header %q", header)
			continue
		}
		if found {
			return s.loadError(fmt.Sprintf("version file contains duplicate header %q", header), nil)
		}
		version, found = strings.TrimSpace(value), true
	}
	if err := scanner.Err(); err != nil {
		return s.loadError("cannot read version file", err)
	}

	if !found {
		return s.loadError("No "+versionHeader+" header in version file", nil)
	}
	if version != TransportVersion {
		return s.loadError(fmt.Sprintf("Incompatible %s %q in version file", versionHeader, version), nil)
	}
	return nil
}

// BlobPath returns the file holding d.
func (s *Store) BlobPath(d manifest.Descriptor) string {
	return filepath.Join(s.path, d.Digest.Encoded())
}

// BlobExists checks for the blob file.
func (s *Store) BlobExists(ctx context.Context, d manifest.Descriptor) (bool, error) {
	_, err := os.Stat(s.BlobPath(d))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}

// OpenBlob opens the blob file.
func (s *Store) OpenBlob(ctx context.Context, d manifest.Descriptor) (io.ReadCloser, error) {
	return os.Open(s.BlobPath(d))
}

// HardlinkBlob links the file src keeps d in into the directory.
func (s *Store) HardlinkBlob(ctx context.Context, src imageformat.BlobFileLocator, d manifest.Descriptor) bool {
	srcPath := src.BlobPath(d)
	if srcPath == "" {
		return false
	}
	if fi, err := os.Stat(srcPath); err != nil || !fi.Mode().IsRegular() {
		return false
	}

	dstPath := s.BlobPath(d)
	if same, err := filepath.Abs(srcPath); err == nil {
		if dst, err := filepath.Abs(dstPath); err == nil && same == dst {
			return true
		}
	}

	if err := os.Remove(dstPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err := os.Link(srcPath, dstPath); err != nil {
		dcontext.GetLogger(ctx).Debugf("Cannot link %s: %v", srcPath, err)
		return false
	}
	dcontext.GetLogger(ctx).Debugf("Created hard link %s -> %s", srcPath, dstPath)
	return true
}

// Save writes img into the directory.
func (s *Store) Save(ctx context.Context, img *imageformat.Image) error {
	return imageformat.SaveImage(ctx, s, img)
}

func (s *Store) BeginSave(ctx context.Context, img *imageformat.Image) error {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return err
	}
	return writeFile(filepath.Join(s.path, versionFile), strings.NewReader(versionHeader+": "+TransportVersion+"\n"), nil)
}

// PutBlob copies the blob into place. The content is checked against
// the digest before it becomes visible.
func (s *Store) PutBlob(ctx context.Context, d manifest.Descriptor, open func() (io.ReadCloser, error)) error {
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	verifier := d.Digest.Verifier()
	return writeFile(s.BlobPath(d), io.TeeReader(src, verifier), func() error {
		if !verifier.Verified() {
			return fmt.Errorf("blob %s: content does not match digest", d.Digest)
		}
		return nil
	})
}

func (s *Store) PutManifest(ctx context.Context, img *imageformat.Image) error {
	_, payload, err := img.Manifest.Payload()
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.path, manifestFile), bytes.NewReader(payload), nil)
}

func (s *Store) EndSave(ctx context.Context, failed bool) error {
	return nil
}

// writeFile writes r to a temporary file next to path and renames it
// into place once check, if any, accepts the content.
func writeFile(path string, r io.Reader, check func() error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
