package main

import (
	"encoding/json"
	log2 "log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"

	"hypertuna.dev/chk"
	"hypertuna.dev/errorf"
	"hypertuna.dev/log"
)

// Registry is the public gateway's dynamic hostname->backend mapping, per
// spec.md §4.7's "registers with a public gateway": instead of the
// teacher's static mapping.txt loaded once at startup
// (cmd/lerproxy/app/read-mapping.go), workers add and remove themselves at
// runtime by POSTing to RegisterHandler, and Registry itself serves as the
// reverse-proxy http.Handler, caching one *httputil.ReverseProxy per
// registered hostname.
type Registry struct {
	secret string

	mu       sync.RWMutex
	backends map[string]string                 // hostname -> backend base URL
	proxies  map[string]*httputil.ReverseProxy // hostname -> cached proxy
}

// NewRegistry creates an empty Registry gated by secret: requests to
// RegisterHandler must carry "Authorization: Bearer <secret>".
func NewRegistry(secret string) *Registry {
	return &Registry{
		secret:   secret,
		backends: map[string]string{},
		proxies:  map[string]*httputil.ReverseProxy{},
	}
}

// Hostnames returns the currently registered hostnames, checked fresh on
// every autocert.Manager.HostPolicy call in setupServer so a hostname
// registered after startup is accepted without a restart.
func (r *Registry) Hostnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for k := range r.backends {
		out = append(out, k)
	}
	return out
}

func (r *Registry) set(hostname, backend string) error {
	u, err := url.Parse(backend)
	if err != nil {
		return errorf.E("publicgateway: parse backend url %q: %w", backend, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errorf.E("publicgateway: backend url %q must be http(s)", backend)
	}
	rp := NewSingleHostReverseProxy(u)
	rp.ModifyResponse = func(res *http.Response) error {
		res.Header.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
		res.Header.Set("Access-Control-Allow-Origin", "*")
		return nil
	}
	rp.ErrorLog = log2.New(os.Stderr, "publicgateway: ", log2.Llongfile)
	rp.BufferPool = &bufferPool{}

	r.mu.Lock()
	r.backends[hostname] = backend
	r.proxies[hostname] = rp
	r.mu.Unlock()
	return nil
}

func (r *Registry) remove(hostname string) {
	r.mu.Lock()
	delete(r.backends, hostname)
	delete(r.proxies, hostname)
	r.mu.Unlock()
}

// registerRequest is the body POSTed by a worker's
// gateway.RegisterWithPublicGateway, per spec.md §4.7.
type registerRequest struct {
	Hostname string `json:"hostname"`
	Backend  string `json:"backend"`
	Remove   bool   `json:"remove,omitempty"`
}

func (r *Registry) authorized(req *http.Request) bool {
	if r.secret == "" {
		return false
	}
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	return strings.HasPrefix(auth, prefix) && strings.TrimPrefix(auth, prefix) == r.secret
}

// RegisterHandler serves POST /_register: a worker adds or removes its own
// (hostname, backend) entry, authenticated by a shared secret bearer token
// rather than the operator manually editing mapping.txt.
func (r *Registry) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body registerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); chk.E(err) {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if body.Hostname == "" || (body.Backend == "" && !body.Remove) {
		http.Error(w, "hostname and backend are required", http.StatusBadRequest)
		return
	}
	if body.Remove {
		r.remove(body.Hostname)
		log.I.F("publicgateway: unregistered %s", body.Hostname)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := r.set(body.Hostname, body.Backend); chk.E(err) {
		http.Error(w, "invalid backend url", http.StatusBadRequest)
		return
	}
	log.I.F("publicgateway: registered %s -> %s", body.Hostname, body.Backend)
	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP dispatches /_register to RegisterHandler and everything else to
// the cached reverse proxy for the request's Host header, per spec.md
// §4.7's single public-gateway listener fronting every registered worker.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/_register" {
		r.RegisterHandler(w, req)
		return
	}
	host := req.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	r.mu.RLock()
	rp, ok := r.proxies[host]
	r.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	rp.ServeHTTP(w, req)
}
