package manifest

import (
	"encoding/json"
	"fmt"
	"mime"

	"github.com/twopence/twopence/mediatype"
)

// probe holds the fields used to tell manifests and indexes apart.
type probe struct {
	Versioned
	Manifests json.RawMessage `json:"manifests,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Layers    json.RawMessage `json:"layers,omitempty"`
}

func (p probe) mediaType(contentType string) string {
	if p.MediaType != "" {
		return p.MediaType
	}
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "application/json" || mt == "text/plain" {
		return ""
	}
	return mt
}

func isSchema1(mt string) bool {
	return mt == mediatype.DockerManifestV1 || mt == mediatype.DockerManifestV1JWS
}

// UnmarshalManifestOrIndex decodes b into either a manifest or an index.
// The body's mediaType selects the decoder, falling back to contentType;
// documents without either are manifests unless they list manifests.
func UnmarshalManifestOrIndex(b []byte, contentType string) (*DeserializedManifest, *DeserializedIndex, error) {
	var p probe
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, nil, fmt.Errorf("cannot decode manifest: %w", err)
	}

	mt := p.mediaType(contentType)
	switch {
	case mt == "":
		if len(p.Manifests) > 0 && len(p.Layers) == 0 {
			ix, err := UnmarshalIndex(b, true)
			return nil, ix, err
		}
		m, err := unmarshalManifest(b, p.Versioned)
		return m, nil, err
	case mediatype.Parse(mt).IsIndex():
		ix, err := UnmarshalIndex(b, p.MediaType == "")
		return nil, ix, err
	case mediatype.Parse(mt).IsManifest(), isSchema1(mt):
		m, err := unmarshalManifest(b, p.Versioned)
		return m, nil, err
	}
	return nil, nil, fmt.Errorf("unknown manifest media type %q", mt)
}

// UnmarshalManifest decodes a manifest. Unless missingMediaTypeOK is set,
// the document must carry a manifest media type.
func UnmarshalManifest(b []byte, missingMediaTypeOK bool) (*DeserializedManifest, error) {
	var v Versioned
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("cannot decode manifest: %w", err)
	}
	switch {
	case v.MediaType == "":
		if !missingMediaTypeOK {
			return nil, fmt.Errorf("manifest lacks a mediaType")
		}
	case !mediatype.Parse(v.MediaType).IsManifest() && !isSchema1(v.MediaType):
		return nil, fmt.Errorf("unexpected media type %q for manifest", v.MediaType)
	}
	return unmarshalManifest(b, v)
}

func unmarshalManifest(b []byte, v Versioned) (*DeserializedManifest, error) {
	if v.SchemaVersion != 1 && v.SchemaVersion != 2 {
		return nil, fmt.Errorf("unexpected manifest schemaVersion %d", v.SchemaVersion)
	}
	m := new(DeserializedManifest)
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("cannot decode manifest: %w", err)
	}
	if m.Config != nil {
		if err := m.Config.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config descriptor: %w", err)
		}
	}
	for _, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid layer descriptor: %w", err)
		}
	}
	return m, nil
}

// UnmarshalIndex decodes an image index. Unless missingMediaTypeOK is set,
// the document must carry an index media type. Every entry must be
// typed as a manifest or index.
func UnmarshalIndex(b []byte, missingMediaTypeOK bool) (*DeserializedIndex, error) {
	ix := new(DeserializedIndex)
	if err := ix.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("cannot decode image index: %w", err)
	}

	switch {
	case ix.MediaType == "":
		if !missingMediaTypeOK {
			return nil, fmt.Errorf("image index lacks a mediaType")
		}
	case !mediatype.Parse(ix.MediaType).IsIndex():
		return nil, fmt.Errorf("unexpected media type %q for image index", ix.MediaType)
	}
	if ix.SchemaVersion != 2 {
		return nil, fmt.Errorf("unexpected image index schemaVersion %d", ix.SchemaVersion)
	}

	for _, d := range ix.Manifests {
		mt := d.Type()
		if !mt.IsManifest() && !mt.IsIndex() {
			return nil, fmt.Errorf("image index entry %s has unknown media type %q", d.Digest, d.MediaType)
		}
		if err := d.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid image index entry: %w", err)
		}
	}
	return ix, nil
}
