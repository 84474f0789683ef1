package imageformat

import (
	"context"
	"io"

	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
)

// SaveImage writes img into s. Blobs go first and the manifest last,
// which is the order a registry accepts uploads in.
func SaveImage(ctx context.Context, s Saver, img *Image) (err error) {
	ctx = dcontext.WithImageSpec(ctx, s.Spec())
	logger := dcontext.GetLogger(ctx)

	if img.Manifest.SchemaVersion != 2 || img.Manifest.Config == nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "only schema version 2 manifests can be saved"}
	}

	if err := s.BeginSave(ctx, img); err != nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "cannot prepare store", Err: err}
	}
	defer func() {
		if endErr := s.EndSave(ctx, err != nil); endErr != nil && err == nil {
			err = &ImageSaveError{Image: s.Spec(), Reason: "cannot finish save", Err: endErr}
		}
	}()

	logger.Info("Writing config")
	config := *img.Manifest.Config
	if err := copyBlob(ctx, s, img, config); err != nil {
		return err
	}
	if exists, err := s.BlobExists(ctx, config); err != nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "cannot check config", Err: err}
	} else if !exists {
		return &ImageSaveError{Image: s.Spec(), Reason: "Uploaded config, but it's not available"}
	}

	logger.Info("Writing image layers")
	for _, d := range img.Manifest.Layers {
		logger.Infof("Saving layer %s (%s)", d.Digest, d.MediaType)
		if d.IsExternalReference() {
			logger.Infof("  Skipping external reference; urls=%v", d.URLs)
			continue
		}
		if err := copyBlob(ctx, s, img, d); err != nil {
			return err
		}
	}

	logger.Info("Writing manifest")
	if err := s.PutManifest(ctx, img); err != nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "cannot write manifest", Err: err}
	}
	return nil
}

// copyBlob copies d from the image's own store into s, unless s already
// has it. Hard links are preferred over copies where both ends allow it.
func copyBlob(ctx context.Context, s Saver, img *Image, d manifest.Descriptor) error {
	logger := dcontext.GetLoggerWithField(ctx, "digest", d.Digest)

	exists, err := s.BlobExists(ctx, d)
	if err != nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "cannot check blob " + d.Digest.String(), Err: err}
	}
	if exists {
		logger.Debugf("  Blob %s already exists, not copying", d.Digest)
		return nil
	}

	logger.Infof("Copying blob %s (size %d)", d.Digest, d.Size)
	if img.Loader == nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "image has no source store"}
	}

	if linker, ok := s.(Hardlinker); ok {
		if src, ok := img.Loader.(BlobFileLocator); ok && linker.HardlinkBlob(ctx, src, d) {
			return nil
		}
	}

	open := func() (io.ReadCloser, error) {
		return img.Loader.OpenBlob(ctx, d)
	}
	if err := s.PutBlob(ctx, d, open); err != nil {
		return &ImageSaveError{Image: s.Spec(), Reason: "cannot write blob " + d.Digest.String(), Err: err}
	}
	return nil
}
