// Command publicgateway is the optional public-gateway registration target
// of spec.md §4.7: a TLS-terminating reverse proxy that workers register
// themselves into at runtime (POST /_register) instead of reading a static
// mapping.txt. Grounded on kwsantiago-orly/cmd/lerproxy's app.Run
// (errgroup-driven dual HTTP/HTTPS lifecycle, autocert HTTP-01 challenge
// responder alongside the TLS listener).
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"hypertuna.dev/chk"
	"hypertuna.dev/ctxutil"
	"hypertuna.dev/errorf"
)

type runArgs struct {
	Addr   string        `arg:"-l,--listen" default:":https" help:"address to listen at"`
	Cache  string        `arg:"-c,--cachedir" default:"/var/cache/hypertuna-publicgateway" help:"path to directory to cache ACME keys and certificates"`
	Email  string        `arg:"-e,--email" help:"contact email address presented to the ACME CA"`
	HTTP   string        `arg:"--http" default:":http" help:"address to serve http-to-https redirects and ACME http-01 challenge responses"`
	RTO    time.Duration `arg:"-r,--rto" default:"1m" help:"maximum duration before timing out read of the request"`
	WTO    time.Duration `arg:"-w,--wto" default:"5m" help:"maximum duration before timing out write of the response"`
	Idle   time.Duration `arg:"-i,--idle" help:"TCP keepalive period for accepted connections (set rto, wto to 0 to use this)"`
	Certs  []string      `arg:"--cert,separate" help:"pinned certificate for a domain: domain:/path/to/cert (expects /path/to/cert.crt and .key)"`
	Secret string        `arg:"-s,--secret,required" help:"shared secret workers must present to register"`
}

func run(args runArgs) error {
	registry := NewRegistry(args.Secret)

	srv, acmeHandler, err := setupServer(args, registry)
	if err != nil {
		return err
	}
	srv.ReadHeaderTimeout = 5 * time.Second
	if args.RTO > 0 {
		srv.ReadTimeout = args.RTO
	}
	if args.WTO > 0 {
		srv.WriteTimeout = args.WTO
	}

	ctx, cancel := signal.NotifyContext(ctxutil.Bg(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if args.HTTP != "" {
		httpServer := http.Server{
			Addr:         args.HTTP,
			Handler:      acmeHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			chk.E(httpServer.ListenAndServe())
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			c, cancel := ctxutil.Timeout(ctxutil.Bg(), time.Second)
			defer cancel()
			return httpServer.Shutdown(c)
		})
	}

	if srv.ReadTimeout != 0 || srv.WriteTimeout != 0 || args.Idle == 0 {
		g.Go(func() error {
			chk.E(srv.ListenAndServeTLS("", ""))
			return nil
		})
	} else {
		g.Go(func() error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errorf.E("publicgateway: listen %s: %w", srv.Addr, err)
			}
			defer ln.Close()
			idleLn := idleTimeoutListener{TCPListener: ln.(*net.TCPListener), timeout: args.Idle}
			return srv.ServeTLS(idleLn, "", "")
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		c, cancel := ctxutil.Timeout(ctxutil.Bg(), time.Second)
		defer cancel()
		return srv.Shutdown(c)
	})

	return g.Wait()
}
