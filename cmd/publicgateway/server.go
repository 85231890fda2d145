package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"hypertuna.dev/chk"
	"hypertuna.dev/errorf"
)

// setupServer configures the TLS-terminating HTTP(S) server and its ACME
// HTTP-01 challenge handler, grounded on
// kwsantiago-orly/cmd/lerproxy/app/setup-server.go's SetupServer -- with
// the mapping-file-backed proxy handler replaced by registry, the dynamic
// (hostname -> worker) table spec.md §4.7 registers workers into at
// runtime.
func setupServer(args runArgs, registry *Registry) (s *http.Server, acmeHTTPHandler http.Handler, err error) {
	if err = os.MkdirAll(args.Cache, 0o700); chk.E(err) {
		return nil, nil, fmt.Errorf("cannot create cache directory %q: %w", args.Cache, err)
	}
	m := autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache(args.Cache),
		HostPolicy: func(ctx context.Context, host string) error {
			for _, h := range registry.Hostnames() {
				if h == host {
					return nil
				}
			}
			return errorf.E("publicgateway: host %q is not registered", host)
		},
		Email: args.Email,
	}
	s = &http.Server{
		Handler:   registry,
		Addr:      args.Addr,
		TLSConfig: tlsConfig(&m, args.Certs...),
	}
	acmeHTTPHandler = m.HTTPHandler(nil)
	return s, acmeHTTPHandler, nil
}
