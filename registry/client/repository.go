package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
	"github.com/twopence/twopence/reference"
)

// maxManifestBodySize bounds manifest and index downloads.
const maxManifestBodySize = 4 << 20

// Repository issues the distribution API calls for one repository.
type Repository struct {
	session *Session
	base    *url.URL
	name    string
}

// NewRepository returns a client for the repository ref names, talking
// through session.
func NewRepository(session *Session, ref reference.Reference) *Repository {
	base := ref.URL()
	if base.Host == "docker.io" {
		base.Host = "registry-1.docker.io"
	}
	return &Repository{
		session: session,
		base:    base,
		name:    strings.Trim(ref.Name, "/"),
	}
}

// Name returns the repository name.
func (r *Repository) Name() string {
	return r.name
}

func (r *Repository) url(parts ...string) string {
	u := *r.base
	u.Path = "/v2/" + r.name + "/" + strings.Join(parts, "/")
	return u.String()
}

// ManifestAcceptTypes lists every manifest and index type this client
// understands.
func ManifestAcceptTypes() []string {
	types := append(mediatype.TypesFor(mediatype.RoleIndex), mediatype.TypesFor(mediatype.RoleManifest)...)
	return append(types, mediatype.DockerManifestV1JWS, mediatype.DockerManifestV1)
}

// GetManifest fetches the manifest or index stored under reference, which
// is a tag or a digest. It returns the body and its content type.
func (r *Repository) GetManifest(ctx context.Context, ref string) ([]byte, string, error) {
	u := r.url("manifests", ref)
	resp, err := r.session.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		for _, t := range ManifestAcceptTypes() {
			req.Header.Add("Accept", t)
		}
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: %w", u, HandleErrorResponse(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBodySize))
	if err != nil {
		return nil, "", err
	}
	if dgst, err := digest.Parse(ref); err == nil && dgst.Algorithm().FromBytes(body) != dgst {
		return nil, "", fmt.Errorf("GET %s: manifest content does not match digest", u)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// PutManifest uploads payload as the manifest tagged tag. The registry must
// answer 201 Created.
func (r *Repository) PutManifest(ctx context.Context, tag string, m *manifest.DeserializedManifest) (digest.Digest, error) {
	mediaType, payload, err := m.Payload()
	if err != nil {
		return "", err
	}

	u := r.url("manifests", tag)
	resp, err := r.session.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mediaType)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("PUT %s: %w", u, HandleErrorResponse(resp))
	}

	dgst := digest.FromBytes(payload)
	if returned := resp.Header.Get("Docker-Content-Digest"); returned != "" && returned != dgst.String() {
		dcontext.GetLogger(ctx).Warnf("Registry reports manifest digest %s, expected %s", returned, dgst)
	}
	return dgst, nil
}

// BlobExists asks the registry whether it has the blob.
func (r *Repository) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	u := r.url("blobs", dgst.String())
	resp, err := r.session.Do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("HEAD %s: %w", u, HandleErrorResponse(resp))
}

// OpenBlob streams the blob from the registry.
func (r *Repository) OpenBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	u := r.url("blobs", dgst.String())
	dcontext.GetLogger(ctx).Infof("Downloading %s", u)

	resp, err := r.session.Do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", u, HandleErrorResponse(resp))
	}
	return resp.Body, nil
}

// BlobURL is the URL the blob can be fetched from.
func (r *Repository) BlobURL(dgst digest.Digest) string {
	return r.url("blobs", dgst.String())
}

// UploadBlob pushes the blob d in a monolithic upload: a POST opens the
// upload session, a PUT with the digest carries the content. open is
// called for every attempt.
func (r *Repository) UploadBlob(ctx context.Context, d manifest.Descriptor, open func() (io.ReadCloser, error)) error {
	u := r.url("blobs", "uploads") + "/"
	dcontext.GetLogger(ctx).Debugf("Uploading to %s", u)

	resp, err := r.session.Do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST %s: %w", u, HandleErrorResponse(resp))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("POST %s: missing Location header in server response", u)
	}
	loc, err := r.base.Parse(location)
	if err != nil {
		return fmt.Errorf("POST %s: bad Location header %q: %w", u, location, err)
	}
	q := loc.Query()
	q.Set("digest", d.Digest.String())
	loc.RawQuery = q.Encode()

	resp, err = r.session.Do(ctx, func() (*http.Request, error) {
		body, err := open()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, loc.String(), body)
		if err != nil {
			body.Close()
			return nil, err
		}
		req.ContentLength = d.Size
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected HTTP response %s to blob upload: %w", resp.Status, HandleErrorResponse(resp))
	}
	if returned := resp.Header.Get("Docker-Content-Digest"); returned != d.Digest.String() {
		return fmt.Errorf("registry returns a different digest after upload (%s -> %s)", d.Digest, returned)
	}
	pushedBytes.Inc(float64(d.Size))
	return nil
}

// HandleErrorResponse is HandleHTTPResponseError for responses already
// known to have an unexpected status.
func HandleErrorResponse(resp *http.Response) error {
	if err := HandleHTTPResponseError(resp); err != nil {
		return err
	}
	return &UnexpectedHTTPStatusError{Status: resp.Status, StatusCode: resp.StatusCode}
}
