package main

import (
	"crypto/tls"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"hypertuna.dev/chk"
	"hypertuna.dev/log"
)

// tlsConfig builds a *tls.Config that prefers explicitly provided
// certificates over autocert's, so an operator can pin a cert for a
// specific hostname while everything else still gets ACME-issued
// certificates on demand. Grounded verbatim on
// kwsantiago-orly/cmd/lerproxy/app/tls-config.go's TLSConfig.
func tlsConfig(m *autocert.Manager, certs ...string) *tls.Config {
	certMap := make(map[string]*tls.Certificate)
	var mx sync.Mutex
	for _, cert := range certs {
		split := strings.Split(cert, ":")
		if len(split) != 2 {
			log.E.F("invalid certificate parameter format: %q", cert)
			continue
		}
		c, err := tls.LoadX509KeyPair(split[1]+".crt", split[1]+".key")
		if chk.E(err) {
			continue
		}
		certMap[split[0]] = &c
	}
	tc := m.TLSConfig()
	tc.GetCertificate = func(helo *tls.ClientHelloInfo) (*tls.Certificate, error) {
		mx.Lock()
		for name, cert := range certMap {
			if helo.ServerName == name || strings.HasSuffix(helo.ServerName, name) {
				mx.Unlock()
				return cert, nil
			}
		}
		mx.Unlock()
		return m.GetCertificate(helo)
	}
	return tc
}
