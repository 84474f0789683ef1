// Package mediatype classifies the media type strings used by the Docker
// distribution and OCI image formats and rewrites them between the two
// vendors.
package mediatype

import (
	"fmt"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Vendor identifies which of the two parallel media type tables a type
// belongs to.
type Vendor int

const (
	VendorNone Vendor = iota
	VendorDocker
	VendorOCI
)

func (v Vendor) String() string {
	switch v {
	case VendorDocker:
		return "docker"
	case VendorOCI:
		return "oci"
	}
	return "none"
}

func (v Vendor) prefix() string {
	switch v {
	case VendorDocker:
		return "application/vnd.docker."
	case VendorOCI:
		return "application/vnd.oci."
	}
	return ""
}

// separator is placed between the base type and a compression suffix.
func (v Vendor) separator() string {
	if v == VendorOCI {
		return "+"
	}
	return "."
}

// Role is the canonical purpose a media type serves inside an image.
type Role int

const (
	RoleIndex Role = iota
	RoleManifest
	RoleConfig
	RoleLayer
	RoleLayerExternal
)

var roleNames = [...]string{"index", "manifest", "config", "layer", "external layer"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Compression is the compression suffix of a layer type.
type Compression string

const (
	Uncompressed Compression = ""
	Gzip         Compression = "gzip"
	Zstd         Compression = "zstd"
)

var compressions = []Compression{Gzip, Zstd}

// Docker distribution media types.
const (
	DockerIndex         = "application/vnd.docker.distribution.manifest.list.v2+json"
	DockerManifest      = "application/vnd.docker.distribution.manifest.v2+json"
	DockerConfig        = "application/vnd.docker.container.image.v1+json"
	DockerLayer         = "application/vnd.docker.image.rootfs.diff.tar"
	DockerForeignLayer  = "application/vnd.docker.image.rootfs.foreign.diff.tar"
	DockerManifestV1    = "application/vnd.docker.distribution.manifest.v1+json"
	DockerManifestV1JWS = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

var tables = map[Vendor]map[Role]string{
	VendorDocker: {
		RoleIndex:         DockerIndex,
		RoleManifest:      DockerManifest,
		RoleConfig:        DockerConfig,
		RoleLayer:         DockerLayer,
		RoleLayerExternal: DockerForeignLayer,
	},
	VendorOCI: {
		RoleIndex:         v1.MediaTypeImageIndex,
		RoleManifest:      v1.MediaTypeImageManifest,
		RoleConfig:        v1.MediaTypeImageConfig,
		RoleLayer:         v1.MediaTypeImageLayer,
		RoleLayerExternal: v1.MediaTypeImageLayerNonDistributable, //nolint:staticcheck // still found in existing images
	},
}

// roles is the reverse of tables.
var roles = func() map[string]Role {
	m := make(map[string]Role)
	for _, table := range tables {
		for role, s := range table {
			m[s] = role
		}
	}
	return m
}()

// MediaType is a parsed media type string.
type MediaType struct {
	Vendor      Vendor
	Base        string
	Compression Compression
}

// Parse classifies s. Types outside both vendor tables get VendorNone and
// are kept verbatim.
func Parse(s string) MediaType {
	mt := MediaType{Base: s}
	for _, v := range []Vendor{VendorDocker, VendorOCI} {
		if strings.HasPrefix(s, v.prefix()) {
			mt.Vendor = v
			break
		}
	}
	if mt.Vendor == VendorNone {
		return mt
	}

	for _, c := range compressions {
		if base, ok := strings.CutSuffix(s, mt.Vendor.separator()+string(c)); ok {
			mt.Base = base
			mt.Compression = c
			break
		}
	}
	return mt
}

// String reconstructs the media type including its compression suffix.
func (mt MediaType) String() string {
	if mt.Compression == Uncompressed {
		return mt.Base
	}
	return mt.Base + mt.Vendor.separator() + string(mt.Compression)
}

// Role reports which canonical role the base type plays in its vendor table.
func (mt MediaType) Role() (Role, bool) {
	if mt.Vendor == VendorNone {
		return 0, false
	}
	role, ok := roles[mt.Base]
	if !ok || tables[mt.Vendor][role] != mt.Base {
		return 0, false
	}
	return role, true
}

func (mt MediaType) is(role Role) bool {
	r, ok := mt.Role()
	return ok && r == role
}

func (mt MediaType) IsIndex() bool    { return mt.is(RoleIndex) }
func (mt MediaType) IsManifest() bool { return mt.is(RoleManifest) }
func (mt MediaType) IsConfig() bool   { return mt.is(RoleConfig) }

// IsLayer is true for both regular and external layer types.
func (mt MediaType) IsLayer() bool {
	return mt.is(RoleLayer) || mt.is(RoleLayerExternal)
}

func (mt MediaType) IsExternalReference() bool { return mt.is(RoleLayerExternal) }

func (mt MediaType) IsCompressed() bool { return mt.Compression != Uncompressed }

// Uncompressed returns the type with the compression suffix dropped.
func (mt MediaType) Uncompressed() MediaType {
	mt.Compression = Uncompressed
	return mt
}

// MakeExternalReference rewrites a regular layer type into the vendor's
// foreign layer type, keeping the compression.
func (mt MediaType) MakeExternalReference() (MediaType, error) {
	if !mt.is(RoleLayer) {
		return MediaType{}, fmt.Errorf("cannot make %q an external reference: not a layer type", mt)
	}
	mt.Base = tables[mt.Vendor][RoleLayerExternal]
	return mt, nil
}

// ChangeVendor substitutes the type playing the same role in vendor v.
func (mt MediaType) ChangeVendor(v Vendor) (MediaType, error) {
	if mt.Vendor == v {
		return mt, nil
	}
	role, ok := mt.Role()
	if !ok {
		return MediaType{}, fmt.Errorf("cannot change vendor of %q: unknown media type", mt)
	}
	base, ok := Lookup(v, role)
	if !ok {
		return MediaType{}, fmt.Errorf("cannot change vendor of %q to %s", mt, v)
	}
	return MediaType{Vendor: v, Base: base, Compression: mt.Compression}, nil
}

// Lookup returns the media type string vendor v uses for role.
func Lookup(v Vendor, role Role) (string, bool) {
	s, ok := tables[v][role]
	return s, ok
}

// TypesFor lists the media types of role across all vendors, Docker first.
func TypesFor(role Role) []string {
	var types []string
	for _, v := range []Vendor{VendorDocker, VendorOCI} {
		if s, ok := Lookup(v, role); ok {
			types = append(types, s)
		}
	}
	return types
}
