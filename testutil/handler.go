package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// RequestResponseMap is an ordered mapping from Requests to Responses
type RequestResponseMap []RequestResponseMapping

// RequestResponseMapping defines a Response to be sent in response to a given
// Request
type RequestResponseMapping struct {
	Request  Request
	Response Response
}

// Request is a simplified http.Request object
type Request struct {
	// Method is the http method of the request, for example GET
	Method string

	// Route is the http route of this request
	Route string

	// QueryParams are the query parameters of this request
	QueryParams map[string][]string

	// Body is the byte contents of the http request
	Body []byte

	// Headers are the header for this request. Only the listed headers are
	// compared against the incoming request.
	Headers http.Header
}

func (r Request) key() string {
	k := fmt.Sprintf("%s %s", r.Method, r.Route)
	if len(r.QueryParams) > 0 {
		keys := make([]string, 0, len(r.QueryParams))
		for key := range r.QueryParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var params []string
		for _, key := range keys {
			for _, value := range r.QueryParams[key] {
				params = append(params, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
		k += "?" + strings.Join(params, "&")
	}
	return k
}

// String returns a string representation of the request, used in error
// messages.
func (r Request) String() string {
	s := r.key()
	if len(r.Body) > 0 {
		s += fmt.Sprintf(" (%d byte body)", len(r.Body))
	}
	return s
}

func (r Request) matches(actual Request, body []byte, header http.Header) bool {
	if r.key() != actual.key() {
		return false
	}
	if r.Body != nil && !bytes.Equal(r.Body, body) {
		return false
	}
	for name, values := range r.Headers {
		got := header.Values(name)
		if len(got) != len(values) {
			return false
		}
		for i := range values {
			if got[i] != values[i] {
				return false
			}
		}
	}
	return true
}

// Response is a simplified http.Response object
type Response struct {
	// Statuscode is the http status code of the Response
	StatusCode int

	// Headers are the http headers of this Response
	Headers http.Header

	// Body is the response body
	Body []byte
}

// Handler serves a RequestResponseMap. Each mapping answers one request;
// the last mapping for a request is reused once the others are spent.
type Handler struct {
	mu       sync.Mutex
	mappings []*mapping
	calls    map[string]int
}

type mapping struct {
	RequestResponseMapping
	used bool
}

// NewHandler returns a new test handler that responds to defined requests
// with specified responses.
func NewHandler(requests RequestResponseMap) *Handler {
	h := &Handler{calls: make(map[string]int)}
	for _, rr := range requests {
		h.mappings = append(h.mappings, &mapping{RequestResponseMapping: rr})
	}
	return h
}

// Calls returns how many requests with method and route were received.
func (h *Handler) Calls(method, route string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[method+" "+route]
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	request := Request{
		Method:      r.Method,
		Route:       r.URL.Path,
		QueryParams: r.URL.Query(),
	}

	h.mu.Lock()
	h.calls[r.Method+" "+r.URL.Path]++
	var found, last *mapping
	for _, m := range h.mappings {
		if !m.Request.matches(request, body, r.Header) {
			continue
		}
		last = m
		if !m.used {
			found = m
			break
		}
	}
	if found == nil {
		found = last
	}
	if found != nil {
		found.used = true
	}
	h.mu.Unlock()

	if found == nil {
		http.Error(w, "Unrecognized request: "+request.String(), http.StatusNotFound)
		return
	}

	response := found.Response
	header := w.Header()
	for k, v := range response.Headers {
		header[k] = v
	}
	w.WriteHeader(response.StatusCode)
	_, _ = io.Copy(w, bytes.NewReader(response.Body))
}
