// Package reference parses the registry/name:tag identity of a container
// image.
//
// Grammar
//
//	image     := [ [scheme "://"] host "/" ] name [ ":" tag ]
//	host      := domain-name [ ":" port-number ]
//	name      := component [ "/" component ]*
//	tag       := /[\w][\w.-]{0,127}/
//
// A leading path component is only taken as the host when it looks like
// one: it is "localhost", contains a "." or carries a port. Anything else
// is resolved against DefaultRegistryURL.
package reference

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	distref "github.com/distribution/reference"
)

const (
	// DefaultTag is used when an image string carries no tag.
	DefaultTag = "latest"

	// DefaultArchitecture is assumed for references that do not name one.
	DefaultArchitecture = "amd64"
)

// DefaultRegistryURL is the registry bare names resolve against.
var DefaultRegistryURL = "https://localhost"

// ErrInvalidReference is returned for strings that do not resolve to a
// registry, a name and a tag.
var ErrInvalidReference = errors.New("cannot parse registry image name")

var (
	anchoredDomainRegexp = regexp.MustCompile(`^(?:` + distref.DomainRegexp.String() + `)$`)
	anchoredTagRegexp    = regexp.MustCompile(`^(?:` + distref.TagRegexp.String() + `)$`)
)

// Reference identifies an image in a registry.
type Reference struct {
	// Registry is the host, including a port if any.
	Registry string
	// Name is the repository path inside the registry, without slashes at
	// either end.
	Name         string
	Tag          string
	Architecture string

	scheme string
}

// Parse resolves s into a Reference. The tag is split off first, then s is
// tried as a URL, as a scheme-relative URL and finally as a path below
// DefaultRegistryURL.
func Parse(s string) (Reference, error) {
	path, tag := splitTag(strings.TrimSpace(s))

	candidates := []string{path, "//" + path, strings.TrimSuffix(DefaultRegistryURL, "/") + "/" + path}
	for _, candidate := range candidates {
		u, err := url.Parse(candidate)
		if err != nil || !validHost(u.Host) {
			continue
		}
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			continue
		}

		ref := Reference{
			Registry:     u.Host,
			Name:         strings.Trim(u.Path, "/"),
			Tag:          tag,
			Architecture: DefaultArchitecture,
			scheme:       u.Scheme,
		}
		if err := ref.validate(); err != nil {
			return Reference{}, fmt.Errorf("%w %q: %v", ErrInvalidReference, s, err)
		}
		return ref, nil
	}
	return Reference{}, fmt.Errorf("%w %q", ErrInvalidReference, s)
}

// New builds a Reference for name inside registry. A tag on name is split
// off; the registry may be given as a URL to select the scheme.
func New(registry, name string) (Reference, error) {
	name, tag := splitTag(strings.Trim(name, "/"))
	if !strings.Contains(registry, "://") {
		registry = "//" + registry
	}
	u, err := url.Parse(registry)
	if err != nil || u.Host == "" {
		return Reference{}, fmt.Errorf("%w: bad registry %q", ErrInvalidReference, registry)
	}

	ref := Reference{
		Registry:     u.Host,
		Name:         name,
		Tag:          tag,
		Architecture: DefaultArchitecture,
		scheme:       u.Scheme,
	}
	if err := ref.validate(); err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return ref, nil
}

// splitTag splits s at its last colon unless what follows contains a
// slash, in which case the colon belongs to a host port.
func splitTag(s string) (string, string) {
	i := strings.LastIndex(s, ":")
	if i < 0 || strings.Contains(s[i+1:], "/") {
		return s, DefaultTag
	}
	if s[i+1:] == "" {
		return s[:i], DefaultTag
	}
	return s[:i], s[i+1:]
}

func validHost(host string) bool {
	if host == "" || !anchoredDomainRegexp.MatchString(host) {
		return false
	}
	if strings.Contains(host, ":") || strings.Contains(host, ".") {
		return true
	}
	return host == "localhost"
}

func (r Reference) validate() error {
	if r.Name == "" {
		return errors.New("empty repository name")
	}
	if !anchoredTagRegexp.MatchString(r.Tag) {
		return fmt.Errorf("invalid tag %q", r.Tag)
	}
	if _, err := distref.Parse(r.Registry + "/" + r.Name); err != nil {
		return err
	}
	return nil
}

// String returns registry/name:tag.
func (r Reference) String() string {
	return r.Registry + "/" + r.Name + ":" + r.Tag
}

// Equal compares the registry, name and tag.
func (r Reference) Equal(other Reference) bool {
	return r.String() == other.String()
}

// Matches reports whether r has the given name and, unless tag is empty,
// the given tag.
func (r Reference) Matches(name, tag string) bool {
	if r.Name != strings.Trim(name, "/") {
		return false
	}
	return tag == "" || r.Tag == tag
}

// WithTag returns a copy of r carrying tag.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	return r
}

// WithArchitecture returns a copy of r for architecture arch.
func (r Reference) WithArchitecture(arch string) Reference {
	r.Architecture = arch
	return r
}

// Scheme is the URL scheme used to talk to the registry.
func (r Reference) Scheme() string {
	if r.scheme != "" {
		return r.scheme
	}
	if u, err := url.Parse(DefaultRegistryURL); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "https"
}

// URL returns the base URL of the registry.
func (r Reference) URL() *url.URL {
	return &url.URL{Scheme: r.Scheme(), Host: r.Registry}
}
