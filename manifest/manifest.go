// Package manifest holds the image manifest and image index data model
// shared by the Docker distribution and OCI vendors.
package manifest

import (
	_ "crypto/sha256"
	"encoding/json"
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/mediatype"
)

// Manifest describes a single image. Schema version 2 manifests carry
// config and layer descriptors; schema version 1 manifests carry the
// name/tag envelope, blob sums and history.
type Manifest struct {
	Versioned

	// Config references the image configuration as a blob.
	Config *Descriptor `json:"config,omitempty"`

	// Layers lists descriptors for the layers referenced by the
	// configuration.
	Layers []Descriptor `json:"layers,omitempty"`

	// Annotations contains arbitrary metadata for the image manifest.
	Annotations map[string]string `json:"annotations,omitempty"`

	Name         string    `json:"name,omitempty"`
	Tag          string    `json:"tag,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	FSLayers     []FSLayer `json:"fsLayers,omitempty"`
	History      []History `json:"history,omitempty"`
}

// FSLayer is a container struct for BlobSums defined in a schema 1 manifest.
type FSLayer struct {
	// BlobSum is the digest of the referenced filesystem image layer
	BlobSum digest.Digest `json:"blobSum"`
}

// History stores unstructured v1 compatibility information.
type History struct {
	// V1Compatibility is the raw v1 compatibility information
	V1Compatibility string `json:"v1Compatibility"`
}

// v1Compatibility is the part of a history entry we look at.
type v1Compatibility struct {
	ID     string `json:"id"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// DeserializedManifest wraps Manifest with a copy of the original JSON.
type DeserializedManifest struct {
	Manifest

	// canonical is the canonical byte representation of the Manifest.
	canonical []byte
}

// FromStruct takes a Manifest structure, marshals it to JSON, and returns a
// DeserializedManifest which contains the manifest and its JSON
// representation.
func FromStruct(m Manifest) (*DeserializedManifest, error) {
	var deserialized DeserializedManifest
	deserialized.Manifest = m

	var err error
	deserialized.canonical, err = json.MarshalIndent(&m, "", "   ")
	return &deserialized, err
}

// UnmarshalJSON populates a new Manifest struct from JSON data.
func (m *DeserializedManifest) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	copy(m.canonical, b)

	var mfst Manifest
	if err := json.Unmarshal(m.canonical, &mfst); err != nil {
		return err
	}

	m.Manifest = mfst
	return nil
}

// MarshalJSON returns the contents of canonical. If canonical is empty,
// marshals the inner contents.
func (m *DeserializedManifest) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedManifest")
}

// Payload returns the raw content of the manifest. The contents can be used to
// calculate the content identifier.
func (m DeserializedManifest) Payload() (string, []byte, error) {
	return m.ContentType(), m.canonical, nil
}

// Descriptor returns a descriptor referencing the canonical payload.
func (m DeserializedManifest) Descriptor() Descriptor {
	return Descriptor{
		MediaType: m.ContentType(),
		Digest:    digest.FromBytes(m.canonical),
		Size:      int64(len(m.canonical)),
	}
}

// ContentType returns the media type of the manifest. Manifests written
// without one are typed after their config descriptor.
func (m Manifest) ContentType() string {
	if m.MediaType != "" {
		return m.MediaType
	}
	if m.SchemaVersion == 1 {
		return mediatype.DockerManifestV1
	}
	vendor := mediatype.VendorDocker
	if m.Config != nil && m.Config.Vendor() == mediatype.VendorOCI {
		vendor = mediatype.VendorOCI
	}
	mt, _ := mediatype.Lookup(vendor, mediatype.RoleManifest)
	return mt
}

// Vendor returns the media type vendor of the manifest.
func (m Manifest) Vendor() mediatype.Vendor {
	return mediatype.Parse(m.ContentType()).Vendor
}

// References returns the config descriptor followed by the layers.
func (m Manifest) References() []Descriptor {
	var refs []Descriptor
	if m.Config != nil {
		refs = append(refs, *m.Config)
	}
	return append(refs, m.Layers...)
}

// HasLayer reports whether d is one of the manifest's layers.
func (m Manifest) HasLayer(d Descriptor) bool {
	for _, l := range m.Layers {
		if l.Digest == d.Digest {
			return true
		}
	}
	return false
}

func (m Manifest) v1Compatibility() (v1Compatibility, bool) {
	var last v1Compatibility
	found := false
	for _, h := range m.History {
		var entry v1Compatibility
		if err := json.Unmarshal([]byte(h.V1Compatibility), &entry); err != nil {
			continue
		}
		last, found = entry, true
	}
	return last, found
}

// ImageVersion returns the org.opencontainers.image.version label recorded
// in the schema 1 history, if any.
func (m Manifest) ImageVersion() string {
	entry, ok := m.v1Compatibility()
	if !ok {
		return ""
	}
	return entry.Config.Labels["org.opencontainers.image.version"]
}

// ImageID returns the legacy image id recorded in the schema 1 history.
func (m Manifest) ImageID() string {
	entry, _ := m.v1Compatibility()
	return entry.ID
}
