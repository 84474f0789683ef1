package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
)

// Image is a generated image: a manifest and the blobs it references.
type Image struct {
	Manifest *manifest.DeserializedManifest
	Blobs    map[digest.Digest][]byte
	// DiffIDs are the digests of the uncompressed layers, in order.
	DiffIDs []digest.Digest
}

// Config returns the descriptor of the image configuration.
func (img *Image) Config() manifest.Descriptor {
	return *img.Manifest.Config
}

// MakeImage generates an image of the given vendor with nLayers random
// gzip layers and a config carrying labels.
func MakeImage(vendor mediatype.Vendor, nLayers int, labels map[string]string) (*Image, error) {
	layerType, ok := mediatype.Lookup(vendor, mediatype.RoleLayer)
	if !ok {
		return nil, fmt.Errorf("no layer type for vendor %s", vendor)
	}
	configType, _ := mediatype.Lookup(vendor, mediatype.RoleConfig)
	manifestType, _ := mediatype.Lookup(vendor, mediatype.RoleManifest)
	gzipType := mediatype.MediaType{Vendor: vendor, Base: layerType, Compression: mediatype.Gzip}.String()

	img := &Image{Blobs: make(map[digest.Digest][]byte)}

	var layers []manifest.Descriptor
	for i := 0; i < nLayers; i++ {
		content, dgst, diffID, err := CreateRandomLayer()
		if err != nil {
			return nil, err
		}
		img.Blobs[dgst] = content
		img.DiffIDs = append(img.DiffIDs, diffID)
		layers = append(layers, manifest.Descriptor{
			MediaType: gzipType,
			Digest:    dgst,
			Size:      int64(len(content)),
		})
	}

	config := v1.Image{
		Platform: v1.Platform{Architecture: "amd64", OS: "linux"},
		Config:   v1.ImageConfig{Labels: labels},
		RootFS:   v1.RootFS{Type: "layers", DiffIDs: img.DiffIDs},
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	configDigest := digest.FromBytes(configJSON)
	img.Blobs[configDigest] = configJSON

	img.Manifest, err = manifest.FromStruct(manifest.Manifest{
		Versioned: manifest.Versioned{SchemaVersion: 2, MediaType: manifestType},
		Config: &manifest.Descriptor{
			MediaType: configType,
			Digest:    configDigest,
			Size:      int64(len(configJSON)),
		},
		Layers: layers,
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// MakeImageFromLayers builds an image reusing the layers of base, in
// order, followed by nExtra fresh random layers.
func MakeImageFromLayers(base *Image, nExtra int, labels map[string]string) (*Image, error) {
	extra, err := MakeImage(base.Manifest.Vendor(), nExtra, labels)
	if err != nil {
		return nil, err
	}

	img := &Image{Blobs: make(map[digest.Digest][]byte)}
	for _, l := range base.Manifest.Layers {
		img.Blobs[l.Digest] = base.Blobs[l.Digest]
	}
	for d, b := range extra.Blobs {
		img.Blobs[d] = b
	}
	img.DiffIDs = append(append([]digest.Digest(nil), base.DiffIDs...), extra.DiffIDs...)

	m := extra.Manifest.Manifest
	m.Layers = append(append([]manifest.Descriptor(nil), base.Manifest.Layers...), extra.Manifest.Layers...)
	img.Manifest, err = manifest.FromStruct(m)
	if err != nil {
		return nil, err
	}
	return img, nil
}
