package testutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

type storedManifest struct {
	mediaType string
	payload   []byte
}

// Registry is an in-memory registry speaking enough of the distribution
// API to pull and push images.
type Registry struct {
	router *mux.Router

	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string]storedManifest
	uploads   map[string]string
	calls     map[string]int

	user, password string
	token          string
	tokenRequests  int

	// WrongUploadDigest makes blob uploads answer with a bogus
	// Docker-Content-Digest header.
	WrongUploadDigest bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	reg := &Registry{
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[string]storedManifest),
		uploads:   make(map[string]string),
		calls:     make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/token", reg.serveToken).Methods(http.MethodGet)
	r.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {}).Methods(http.MethodGet)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", reg.getManifest).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", reg.putManifest).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/blobs/uploads/", reg.startUpload).Methods(http.MethodPost)
	r.HandleFunc("/v2/{name:.+}/blobs/uploads/{uuid}", reg.finishUpload).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", reg.getBlob).Methods(http.MethodGet, http.MethodHead)
	reg.router = r

	return reg
}

// RequireToken makes every /v2/ request demand a bearer token, issued by
// the registry's own /token endpoint to clients presenting user and
// password.
func (reg *Registry) RequireToken(user, password string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.user, reg.password = user, password
	reg.token = uuid.NewString()
}

// TokenRequests counts the requests made to the token endpoint.
func (reg *Registry) TokenRequests() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.tokenRequests
}

// Calls counts requests per method and kind ("manifests", "blobs" or
// "uploads").
func (reg *Registry) Calls(method, kind string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.calls[method+" "+kind]
}

// PutBlob stores content and returns its digest.
func (reg *Registry) PutBlob(content []byte) digest.Digest {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	dgst := digest.FromBytes(content)
	reg.blobs[dgst] = content
	return dgst
}

// Blob returns a stored blob.
func (reg *Registry) Blob(dgst digest.Digest) ([]byte, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.blobs[dgst]
	return b, ok
}

// PutManifest stores payload under name:reference and under its digest.
func (reg *Registry) PutManifest(name, reference, mediaType string, payload []byte) digest.Digest {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	dgst := digest.FromBytes(payload)
	m := storedManifest{mediaType: mediaType, payload: payload}
	reg.manifests[name+":"+reference] = m
	reg.manifests[name+"@"+dgst.String()] = m
	return dgst
}

// Manifest returns the manifest stored for name:reference.
func (reg *Registry) Manifest(name, reference string) (string, []byte, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.manifests[name+":"+reference]
	return m.mediaType, m.payload, ok
}

func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/v2/") && !reg.authorized(r) {
		name := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/v2/"), "/blobs/", 2)[0]
		name = strings.SplitN(name, "/manifests/", 2)[0]
		w.Header().Set("Www-Authenticate", fmt.Sprintf(`Bearer realm="http://%s/token",service="fake-registry",scope="repository:%s:pull,push"`, r.Host, name))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	reg.router.ServeHTTP(w, r)
}

func (reg *Registry) authorized(r *http.Request) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.token == "" || r.Header.Get("Authorization") == "Bearer "+reg.token
}

func (reg *Registry) count(r *http.Request, kind string) {
	reg.mu.Lock()
	reg.calls[r.Method+" "+kind]++
	reg.mu.Unlock()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}

func (reg *Registry) serveToken(w http.ResponseWriter, r *http.Request) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.tokenRequests++

	user, password, ok := r.BasicAuth()
	if !ok || user != reg.user || password != reg.password {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad credentials")
		return
	}
	if r.URL.Query().Get("service") != "fake-registry" {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED", "unknown service")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      reg.token,
		"expires_in": 300,
		"issued_at":  "2024-01-01T00:00:00Z",
	})
}

func (reg *Registry) getManifest(w http.ResponseWriter, r *http.Request) {
	reg.count(r, "manifests")
	vars := mux.Vars(r)

	sep := ":"
	if _, err := digest.Parse(vars["reference"]); err == nil {
		sep = "@"
	}

	reg.mu.Lock()
	m, ok := reg.manifests[vars["name"]+sep+vars["reference"]]
	reg.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
		return
	}

	w.Header().Set("Content-Type", m.mediaType)
	w.Header().Set("Content-Length", fmt.Sprint(len(m.payload)))
	w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.payload).String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(m.payload)
	}
}

func (reg *Registry) putManifest(w http.ResponseWriter, r *http.Request) {
	reg.count(r, "manifests")
	vars := mux.Vars(r)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "MANIFEST_INVALID", err.Error())
		return
	}

	var refs struct {
		Config *struct {
			Digest digest.Digest `json:"digest"`
		} `json:"config"`
		Layers []struct {
			Digest digest.Digest `json:"digest"`
			URLs   []string      `json:"urls"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(payload, &refs); err != nil {
		writeError(w, http.StatusBadRequest, "MANIFEST_INVALID", err.Error())
		return
	}
	if refs.Config != nil {
		if _, ok := reg.Blob(refs.Config.Digest); !ok {
			writeError(w, http.StatusBadRequest, "MANIFEST_BLOB_UNKNOWN", "config blob unknown")
			return
		}
	}
	for _, l := range refs.Layers {
		if _, ok := reg.Blob(l.Digest); !ok && len(l.URLs) == 0 {
			writeError(w, http.StatusBadRequest, "MANIFEST_BLOB_UNKNOWN", "layer blob unknown: "+l.Digest.String())
			return
		}
	}

	dgst := reg.PutManifest(vars["name"], vars["reference"], r.Header.Get("Content-Type"), payload)
	w.Header().Set("Location", "/v2/"+vars["name"]+"/manifests/"+dgst.String())
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (reg *Registry) getBlob(w http.ResponseWriter, r *http.Request) {
	reg.count(r, "blobs")
	dgst, err := digest.Parse(mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "DIGEST_INVALID", err.Error())
		return
	}

	content, ok := reg.Blob(dgst)
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.Copy(w, bytes.NewReader(content))
	}
}

func (reg *Registry) startUpload(w http.ResponseWriter, r *http.Request) {
	reg.count(r, "uploads")
	name := mux.Vars(r)["name"]
	id := uuid.NewString()

	reg.mu.Lock()
	reg.uploads[id] = name
	reg.mu.Unlock()

	w.Header().Set("Location", "/v2/"+name+"/blobs/uploads/"+id+"?_state=fake")
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (reg *Registry) finishUpload(w http.ResponseWriter, r *http.Request) {
	reg.count(r, "uploads")
	vars := mux.Vars(r)

	reg.mu.Lock()
	name, ok := reg.uploads[vars["uuid"]]
	reg.mu.Unlock()
	if !ok || name != vars["name"] {
		writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "blob upload unknown to registry")
		return
	}
	if r.URL.Query().Get("_state") != "fake" {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", "upload state lost")
		return
	}

	expected, err := digest.Parse(r.URL.Query().Get("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "missing or bad digest")
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", err.Error())
		return
	}
	if digest.FromBytes(content) != expected {
		writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "provided digest did not match uploaded content")
		return
	}

	reg.mu.Lock()
	reg.blobs[expected] = content
	delete(reg.uploads, vars["uuid"])
	wrong := reg.WrongUploadDigest
	reg.mu.Unlock()

	returned := expected
	if wrong {
		returned = digest.FromString("something else")
	}
	w.Header().Set("Location", "/v2/"+name+"/blobs/"+expected.String())
	w.Header().Set("Docker-Content-Digest", returned.String())
	w.WriteHeader(http.StatusCreated)
}

// BasicAuth encodes user and password the way docker config files do.
func BasicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
