package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/twopence/twopence/internal/dcontext"
	"github.com/twopence/twopence/manifest"
	"github.com/twopence/twopence/mediatype"
	"github.com/twopence/twopence/reference"
	"github.com/twopence/twopence/registry/client/auth"
	"github.com/twopence/twopence/testutil"
)

// testServer starts a server whose mappings may refer to its own URL.
func testServer(t *testing.T, build func(base string) testutil.RequestResponseMap) (*testutil.Handler, string) {
	s := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(s.Close)
	h := testutil.NewHandler(build(s.URL))
	s.Config.Handler = h
	return h, s.URL
}

func newTestRepository(t *testing.T, base, name string, ks auth.Keystore) *Repository {
	ref, err := reference.Parse(base + "/" + name)
	if err != nil {
		t.Fatal(err)
	}
	return NewRepository(NewSession(SessionOptions{Keystore: ks}), ref)
}

func challengeResponse(base, extra string) testutil.Response {
	return testutil.Response{
		StatusCode: http.StatusUnauthorized,
		Headers: http.Header{
			"Www-Authenticate": {`Bearer realm="` + base + `/token",service="registry.example",scope="repository:x:pull"` + extra},
			"Content-Type":     {"application/json"},
		},
		Body: []byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`),
	}
}

func manifestRoute(m *testutil.RequestResponseMap, authorization []string, response testutil.Response) {
	*m = append(*m, testutil.RequestResponseMapping{
		Request: testutil.Request{
			Method:  http.MethodGet,
			Route:   "/v2/x/manifests/latest",
			Headers: http.Header{"Authorization": authorization},
		},
		Response: response,
	})
}

func tokenRoute(m *testutil.RequestResponseMap) {
	*m = append(*m, testutil.RequestResponseMapping{
		Request: testutil.Request{
			Method: http.MethodGet,
			Route:  "/token",
			QueryParams: map[string][]string{
				"service": {"registry.example"},
				"scope":   {"repository:x:pull"},
				"account": {"joe"},
			},
			Headers: http.Header{"Authorization": {"Basic " + testutil.BasicAuth("joe", "pw")}},
		},
		Response: testutil.Response{
			StatusCode: http.StatusOK,
			Body:       []byte(`{"token":"tok","expires_in":60}`),
		},
	})
}

func TestBearerChallengeRetriesOnce(t *testing.T) {
	payload := []byte(`{"schemaVersion":2}`)
	h, base := testServer(t, func(base string) testutil.RequestResponseMap {
		var m testutil.RequestResponseMap
		manifestRoute(&m, nil, challengeResponse(base, ""))
		tokenRoute(&m)
		manifestRoute(&m, []string{"Bearer tok"}, testutil.Response{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {mediatype.DockerManifest}},
			Body:       payload,
		})
		return m
	})

	u, _ := url.Parse(base)
	repo := newTestRepository(t, base, "x", auth.StaticKeystore{u.Host: {User: "joe", Password: "pw"}})
	body, contentType, err := repo.GetManifest(dcontext.Background(), "latest")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, payload) || contentType != mediatype.DockerManifest {
		t.Fatalf("unexpected manifest %q (%s)", body, contentType)
	}
	if n := h.Calls(http.MethodGet, "/token"); n != 1 {
		t.Errorf("expected one token exchange, got %d", n)
	}
	if n := h.Calls(http.MethodGet, "/v2/x/manifests/latest"); n != 2 {
		t.Errorf("expected the request and one retry, got %d", n)
	}

	// the token is reused for later requests
	if _, _, err := repo.GetManifest(dcontext.Background(), "latest"); err != nil {
		t.Fatal(err)
	}
	if n := h.Calls(http.MethodGet, "/token"); n != 1 {
		t.Errorf("token exchanged again: %d", n)
	}
}

func TestBearerChallengeSecond401Fails(t *testing.T) {
	h, base := testServer(t, func(base string) testutil.RequestResponseMap {
		var m testutil.RequestResponseMap
		manifestRoute(&m, nil, challengeResponse(base, ""))
		tokenRoute(&m)
		manifestRoute(&m, []string{"Bearer tok"}, challengeResponse(base, ""))
		return m
	})

	u, _ := url.Parse(base)
	repo := newTestRepository(t, base, "x", auth.StaticKeystore{u.Host: {User: "joe", Password: "pw"}})
	if _, _, err := repo.GetManifest(dcontext.Background(), "latest"); err == nil {
		t.Fatal("expected error after second 401")
	}
	if n := h.Calls(http.MethodGet, "/token"); n != 1 {
		t.Errorf("expected one token exchange, got %d", n)
	}
	if n := h.Calls(http.MethodGet, "/v2/x/manifests/latest"); n != 2 {
		t.Errorf("expected exactly two manifest requests, got %d", n)
	}
}

func TestChallengeHardErrors(t *testing.T) {
	tests := []struct {
		name     string
		response func(base string) testutil.Response
	}{
		{
			name: "basic scheme",
			response: func(string) testutil.Response {
				return testutil.Response{StatusCode: http.StatusUnauthorized, Headers: http.Header{"Www-Authenticate": {`Basic realm="registry"`}}}
			},
		},
		{
			name: "invalid token",
			response: func(base string) testutil.Response {
				return challengeResponse(base, `,error="invalid_token"`)
			},
		},
		{
			name: "no challenge",
			response: func(string) testutil.Response {
				return testutil.Response{StatusCode: http.StatusUnauthorized}
			},
		},
		{
			name: "garbage challenge",
			response: func(string) testutil.Response {
				return testutil.Response{StatusCode: http.StatusUnauthorized, Headers: http.Header{"Www-Authenticate": {`Bearer realm="oops`}}}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, base := testServer(t, func(base string) testutil.RequestResponseMap {
				var m testutil.RequestResponseMap
				manifestRoute(&m, nil, tc.response(base))
				tokenRoute(&m)
				return m
			})
			repo := newTestRepository(t, base, "x", nil)
			if _, _, err := repo.GetManifest(dcontext.Background(), "latest"); err == nil {
				t.Fatal("expected error")
			}
			if n := h.Calls(http.MethodGet, "/token"); n != 0 {
				t.Errorf("token endpoint contacted %d times", n)
			}
		})
	}
}

func TestInsufficientScopeLogsIn(t *testing.T) {
	h, base := testServer(t, func(base string) testutil.RequestResponseMap {
		var m testutil.RequestResponseMap
		manifestRoute(&m, nil, challengeResponse(base, `,error="insufficient_scope"`))
		tokenRoute(&m)
		manifestRoute(&m, []string{"Bearer tok"}, testutil.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)})
		return m
	})
	u, _ := url.Parse(base)
	repo := newTestRepository(t, base, "x", auth.StaticKeystore{u.Host: {User: "joe", Password: "pw"}})
	if _, _, err := repo.GetManifest(dcontext.Background(), "latest"); err != nil {
		t.Fatal(err)
	}
	if n := h.Calls(http.MethodGet, "/token"); n != 1 {
		t.Errorf("expected one token exchange, got %d", n)
	}
}

func TestGetManifestVerifiesDigest(t *testing.T) {
	payload := []byte(`{"schemaVersion":2}`)
	dgst := digest.FromString("something else")
	_, base := testServer(t, func(string) testutil.RequestResponseMap {
		return testutil.RequestResponseMap{{
			Request:  testutil.Request{Method: http.MethodGet, Route: "/v2/x/manifests/" + dgst.String()},
			Response: testutil.Response{StatusCode: http.StatusOK, Body: payload},
		}}
	})
	repo := newTestRepository(t, base, "x", nil)
	if _, _, err := repo.GetManifest(dcontext.Background(), dgst.String()); err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func openBytes(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func TestBlobUploadAndFetch(t *testing.T) {
	reg := testutil.NewRegistry()
	s := httptest.NewServer(reg)
	defer s.Close()

	ctx := context.Background()
	repo := newTestRepository(t, s.URL, "team/app", nil)
	dgst, blob := testutil.RandomBlob(2048)
	d := manifest.Descriptor{MediaType: "application/octet-stream", Digest: dgst, Size: int64(len(blob))}

	exists, err := repo.BlobExists(ctx, dgst)
	if err != nil || exists {
		t.Fatalf("BlobExists before upload = %v, %v", exists, err)
	}
	if _, err := repo.OpenBlob(ctx, dgst); err == nil || !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := repo.UploadBlob(ctx, d, openBytes(blob)); err != nil {
		t.Fatal(err)
	}
	if exists, err := repo.BlobExists(ctx, dgst); err != nil || !exists {
		t.Fatalf("BlobExists after upload = %v, %v", exists, err)
	}

	rc, err := repo.OpenBlob(ctx, dgst)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("downloaded blob differs")
	}
	if !strings.HasSuffix(repo.BlobURL(dgst), "/v2/team/app/blobs/"+dgst.String()) {
		t.Errorf("unexpected blob URL %s", repo.BlobURL(dgst))
	}
}

func TestBlobUploadDigestMismatch(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.WrongUploadDigest = true
	s := httptest.NewServer(reg)
	defer s.Close()

	repo := newTestRepository(t, s.URL, "app", nil)
	dgst, blob := testutil.RandomBlob(128)
	err := repo.UploadBlob(context.Background(), manifest.Descriptor{Digest: dgst, Size: 128}, openBytes(blob))
	if err == nil || !strings.Contains(err.Error(), "different digest") {
		t.Fatalf("expected digest mismatch error, got %v", err)
	}
}

func TestPutManifest(t *testing.T) {
	reg := testutil.NewRegistry()
	s := httptest.NewServer(reg)
	defer s.Close()

	img, err := testutil.MakeImage(mediatype.VendorOCI, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range img.Blobs {
		reg.PutBlob(b)
	}

	repo := newTestRepository(t, s.URL, "app", nil)
	dgst, err := repo.PutManifest(context.Background(), "v1", img.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	mediaType, payload, ok := reg.Manifest("app", "v1")
	if !ok || mediaType != img.Manifest.ContentType() || digest.FromBytes(payload) != dgst {
		t.Fatalf("manifest not stored as expected: %s %v", mediaType, ok)
	}

	// manifests referencing missing blobs are refused
	other, err := testutil.MakeImage(mediatype.VendorOCI, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.PutManifest(context.Background(), "v2", other.Manifest); err == nil {
		t.Fatal("expected error for manifest with unknown blobs")
	}
}

func TestRegistryAuthEndToEnd(t *testing.T) {
	reg := testutil.NewRegistry()
	reg.RequireToken("joe", "pw")
	s := httptest.NewServer(reg)
	defer s.Close()

	u, _ := url.Parse(s.URL)
	dgst := reg.PutBlob([]byte("hello"))

	repo := newTestRepository(t, s.URL, "app", auth.StaticKeystore{u.Host: {User: "joe", Password: "pw"}})
	exists, err := repo.BlobExists(context.Background(), dgst)
	if err != nil || !exists {
		t.Fatalf("BlobExists = %v, %v", exists, err)
	}
	if reg.TokenRequests() != 1 {
		t.Errorf("expected one token request, got %d", reg.TokenRequests())
	}

	anonymous := newTestRepository(t, s.URL, "app", nil)
	if _, err := anonymous.BlobExists(context.Background(), dgst); err == nil {
		t.Fatal("expected login failure without credentials")
	}
}

func TestDockerHubRewrite(t *testing.T) {
	ref, err := reference.Parse("docker.io/library/busybox")
	if err != nil {
		t.Fatal(err)
	}
	repo := NewRepository(NewSession(SessionOptions{}), ref)
	want := "https://registry-1.docker.io/v2/library/busybox/blobs/" + digest.FromString("x").String()
	if got := repo.BlobURL(digest.FromString("x")); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
