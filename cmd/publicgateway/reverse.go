package main

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"hypertuna.dev/log"
)

// NewSingleHostReverseProxy is a copy of httputil.NewSingleHostReverseProxy
// with the addition of legacy X-Forwarded-* headers and the standardized
// RFC 7239 Forwarded header. Grounded verbatim on
// kwsantiago-orly/cmd/lerproxy/app/reverse.go, with SingleJoiningSlash
// inlined since this package does not carry the teacher's lerproxy/utils
// package.
func NewSingleHostReverseProxy(target *url.URL) *httputil.ReverseProxy {
	targetQuery := target.RawQuery
	director := func(req *http.Request) {
		log.D.S(req)
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
		if targetQuery == "" || req.URL.RawQuery == "" {
			req.URL.RawQuery = targetQuery + req.URL.RawQuery
		} else {
			req.URL.RawQuery = targetQuery + "&" + req.URL.RawQuery
		}
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
		req.Header.Set("X-Forwarded-Proto", "https")
		clientIP := req.RemoteAddr
		if fwdFor := req.Header.Get("X-Forwarded-For"); fwdFor != "" {
			clientIP = fwdFor + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
		if _, exists := req.Header["X-Forwarded-Host"]; !exists {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
		forwarded := "proto=https"
		if clientIP != "" {
			forwarded += ";for=" + clientIP
		}
		if req.Host != "" {
			forwarded += ";host=" + req.Host
		}
		req.Header.Set("Forwarded", forwarded)
	}
	return &httputil.ReverseProxy{Director: director}
}

func singleJoiningSlash(a, b string) string {
	suffixSlash := strings.HasSuffix(a, "/")
	prefixSlash := strings.HasPrefix(b, "/")
	switch {
	case suffixSlash && prefixSlash:
		return a + b[1:]
	case !suffixSlash && !prefixSlash:
		return a + "/" + b
	}
	return a + b
}

// bufferPool is an httputil.BufferPool backed by sync.Pool, grounded on the
// same role kwsantiago-orly/cmd/lerproxy/app/set-proxy.go assigns its own
// (unretrieved) Pool type -- recreated here from the httputil.BufferPool
// interface contract since that file wasn't part of the retrieved source.
type bufferPool struct{ pool sync.Pool }

func (p *bufferPool) Get() []byte {
	if b, ok := p.pool.Get().([]byte); ok {
		return b
	}
	return make([]byte, 32*1024)
}

func (p *bufferPool) Put(b []byte) { p.pool.Put(b) } //nolint:staticcheck

// idleTimeoutListener wraps a *net.TCPListener, enabling TCP keepalive with
// timeout as the probe period on every accepted connection; it sets no
// read/write deadline -- grounded on the same role
// kwsantiago-orly/cmd/lerproxy/app/app.go assigns its own (unretrieved)
// Listener type when args.Idle is set instead of RTO/WTO.
type idleTimeoutListener struct {
	*net.TCPListener
	timeout time.Duration
}

func (l idleTimeoutListener) Accept() (net.Conn, error) {
	c, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err = c.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err = c.SetKeepAlivePeriod(l.timeout); err != nil {
		return nil, err
	}
	return c, nil
}
