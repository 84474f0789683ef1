package manifest

import (
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/twopence/twopence/mediatype"
)

// Descriptor references a blob or a manifest by digest.
type Descriptor struct {
	// MediaType describe the type of the content.
	MediaType string `json:"mediaType"`

	// Digest uniquely identifies the content. A byte stream can be verified
	// against this digest.
	Digest digest.Digest `json:"digest"`

	// Size in bytes of content.
	Size int64 `json:"size"`

	// URLs contains the source URLs of this content. A descriptor carrying
	// URLs is an external reference; its content need not be stored next
	// to the manifest using it.
	URLs []string `json:"urls,omitempty"`

	// Annotations contains arbitrary metadata relating to the targeted content.
	Annotations map[string]string `json:"annotations,omitempty"`

	// Platform describes the platform which the image in the manifest runs
	// on. Only set on index entries.
	Platform *v1.Platform `json:"platform,omitempty"`
}

// Type parses the descriptor's media type.
func (d Descriptor) Type() mediatype.MediaType {
	return mediatype.Parse(d.MediaType)
}

func (d Descriptor) IsIndex() bool      { return d.Type().IsIndex() }
func (d Descriptor) IsManifest() bool   { return d.Type().IsManifest() }
func (d Descriptor) IsLayer() bool      { return d.Type().IsLayer() }
func (d Descriptor) IsCompressed() bool { return d.Type().IsCompressed() }

// IsExternalReference reports whether the content lives elsewhere.
func (d Descriptor) IsExternalReference() bool {
	return len(d.URLs) > 0 || d.Type().IsExternalReference()
}

// Vendor returns the vendor of the descriptor's media type.
func (d Descriptor) Vendor() mediatype.Vendor {
	return d.Type().Vendor
}

// Algorithm returns the digest algorithm.
func (d Descriptor) Algorithm() digest.Algorithm {
	return d.Digest.Algorithm()
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	if d.URLs != nil {
		d.URLs = append([]string(nil), d.URLs...)
	}
	if d.Annotations != nil {
		annotations := make(map[string]string, len(d.Annotations))
		for k, v := range d.Annotations {
			annotations[k] = v
		}
		d.Annotations = annotations
	}
	if d.Platform != nil {
		p := *d.Platform
		d.Platform = &p
	}
	return d
}

// WithVendor returns a copy of d using vendor v's media type for the same
// role.
func (d Descriptor) WithVendor(v mediatype.Vendor) (Descriptor, error) {
	mt, err := d.Type().ChangeVendor(v)
	if err != nil {
		return Descriptor{}, err
	}
	d = d.Clone()
	d.MediaType = mt.String()
	return d, nil
}

// WithURL returns a copy of d with url appended to its URLs.
func (d Descriptor) WithURL(url string) Descriptor {
	d = d.Clone()
	d.URLs = append(d.URLs, url)
	return d
}

// AsExternalReference returns a copy of the layer descriptor d rewritten
// into a foreign layer reference to url.
func (d Descriptor) AsExternalReference(url string) (Descriptor, error) {
	mt := d.Type()
	if !mt.IsExternalReference() {
		var err error
		if mt, err = mt.MakeExternalReference(); err != nil {
			return Descriptor{}, err
		}
	}
	d = d.WithURL(url)
	d.MediaType = mt.String()
	return d, nil
}

// PlatformString formats the platform as os/architecture[/variant].
func (d Descriptor) PlatformString() string {
	if d.Platform == nil {
		return "any"
	}
	s := d.Platform.OS + "/" + d.Platform.Architecture
	if d.Platform.Variant != "" {
		s += "/" + d.Platform.Variant
	}
	return s
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", d.Digest, d.MediaType, d.Size)
}
