package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/mediatype"
)

// ErrNoMatchingManifest is returned by Find when the index has no entry
// usable for the requested platform.
var ErrNoMatchingManifest = errors.New("index does not contain a compatible manifest")

// Index references manifests for various platforms.
type Index struct {
	Versioned

	// Manifests references a list of manifests
	Manifests []Descriptor `json:"manifests"`

	// Annotations is an optional field that contains arbitrary metadata for the
	// image index
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Find picks the manifest for platform. An entry whose architecture
// matches wins over an entry without platform, which serves as the
// wildcard. The OS is only compared when platform names one.
func (ix Index) Find(platform v1.Platform) (Descriptor, error) {
	var (
		match, wildcard *Descriptor
	)
	for i := range ix.Manifests {
		d := &ix.Manifests[i]
		if d.Platform == nil {
			if wildcard != nil {
				return Descriptor{}, errors.New("image index lists more than one descriptor without platform")
			}
			wildcard = d
			continue
		}

		if d.Platform.Architecture != platform.Architecture {
			continue
		}
		if platform.OS != "" && d.Platform.OS != platform.OS {
			continue
		}
		if match != nil {
			return Descriptor{}, fmt.Errorf("image index lists more than one manifest for %s", d.PlatformString())
		}
		match = d
	}

	if match == nil {
		match = wildcard
	}
	if match == nil {
		return Descriptor{}, fmt.Errorf("%w for architecture %q", ErrNoMatchingManifest, platform.Architecture)
	}
	if !match.IsManifest() {
		return Descriptor{}, fmt.Errorf("%w: entry %s has media type %q", ErrNoMatchingManifest, match.Digest, match.MediaType)
	}
	return match.Clone(), nil
}

// DeserializedIndex wraps Index with a copy of the original JSON.
type DeserializedIndex struct {
	Index

	// canonical is the canonical byte representation of the Index.
	canonical []byte
}

// NewIndex returns an index of vendor v listing descriptors.
func NewIndex(v mediatype.Vendor, descriptors []Descriptor, annotations map[string]string) (*DeserializedIndex, error) {
	mt, ok := mediatype.Lookup(v, mediatype.RoleIndex)
	if !ok {
		return nil, fmt.Errorf("no index media type for vendor %s", v)
	}

	ix := Index{
		Versioned: Versioned{
			SchemaVersion: 2,
			MediaType:     mt,
		},
		Annotations: annotations,
	}
	ix.Manifests = make([]Descriptor, len(descriptors))
	for i := range descriptors {
		ix.Manifests[i] = descriptors[i].Clone()
	}

	deserialized := DeserializedIndex{Index: ix}

	var err error
	deserialized.canonical, err = json.MarshalIndent(&ix, "", "   ")
	return &deserialized, err
}

// UnmarshalJSON populates a new Index struct from JSON data.
func (m *DeserializedIndex) UnmarshalJSON(b []byte) error {
	m.canonical = make([]byte, len(b))
	copy(m.canonical, b)

	var ix Index
	if err := json.Unmarshal(m.canonical, &ix); err != nil {
		return err
	}

	m.Index = ix
	return nil
}

// MarshalJSON returns the contents of canonical. If canonical is empty,
// marshals the inner contents.
func (m *DeserializedIndex) MarshalJSON() ([]byte, error) {
	if len(m.canonical) > 0 {
		return m.canonical, nil
	}

	return nil, errors.New("JSON representation not initialized in DeserializedIndex")
}

// Payload returns the raw content of the index. The contents can be used to
// calculate the content identifier.
func (m DeserializedIndex) Payload() (string, []byte, error) {
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageIndex
	}
	return mediaType, m.canonical, nil
}
