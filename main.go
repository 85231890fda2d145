// Command hypertuna runs one worker of the peer-to-peer group-messaging
// relay network described in spec.md: a gateway bridge serving every relay
// this operator hosts, a connection manager following the relays this
// operator's groups depend on, and a content-addressed drive mirrored over
// a libp2p substrate. Configuration is via environment variables or an
// optional .env file, grounded on kwsantiago-orly/main.go's config/log/
// signal-handling startup sequence.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/bech32"
	"hypertuna.dev/chk"
	"hypertuna.dev/client"
	"hypertuna.dev/config"
	"hypertuna.dev/ctxutil"
	"hypertuna.dev/drive"
	"hypertuna.dev/gateway"
	"hypertuna.dev/group"
	"hypertuna.dev/log"
	"hypertuna.dev/lol"
	"hypertuna.dev/relaypool"
	"hypertuna.dev/version"
)

const (
	npubHRP = "npub"
	nsecHRP = "nsec"
)

func main() {
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if config.GetEnv() {
		config.PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if config.HelpRequested() {
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	lol.SetLogLevel(cfg.LogLevel)
	log.I.F("starting %s %s", cfg.AppName, version.V)

	signer, npub, err := loadSigner(cfg)
	if chk.E(err) {
		log.F.F("load operator identity: %v", err)
	}
	pubkeyHex := fmt.Sprintf("%x", signer.Pub())

	ctx, cancel := signal.NotifyContext(ctxutil.Bg(), os.Interrupt)
	defer cancel()

	if err = os.MkdirAll(cfg.DataDir, 0o700); chk.E(err) {
		log.F.F("create data dir %s: %v", cfg.DataDir, err)
	}

	authStore := authstore.New()
	challenges := authcrypto.NewChallengeStore()
	defer challenges.Stop()

	driveStore, err := drive.Open(cfg.DataDir)
	if chk.E(err) {
		log.F.F("open drive store: %v", err)
	}
	defer func() { chk.E(driveStore.Close()) }()

	swarmListen := cfg.SwarmListen
	if len(swarmListen) == 0 {
		swarmListen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	substrate, err := drive.NewLibp2pSubstrate(ctx, swarmListen...)
	if chk.E(err) {
		log.F.F("start drive substrate: %v", err)
	}
	defer func() { chk.E(substrate.Close()) }()
	driveMgr := drive.NewManager(ctx, driveStore, substrate)
	defer func() { chk.E(driveMgr.Stop()) }()

	groups := group.NewSet(group.SetConfig{
		QuiescenceWindow: cfg.QuiescenceWindow,
		LocalSigner:      signer,
		LocalPubkeyHex:   pubkeyHex,
		AuthStore:        authStore,
		RelayId:          npub,
	})

	pool := relaypool.New(relaypool.Config{
		MinPublishInterval: cfg.MinPublishInterval,
		PublishTimeout:     cfg.PublishTimeout,
		ReconnectDelay:     cfg.ReconnectDelay,
	})
	defer pool.Shutdown()

	orchestrator := client.New(client.Config{
		Signer:         signer,
		PubkeyHex:      pubkeyHex,
		Pool:           pool,
		Groups:         groups,
		AuthStore:      authStore,
		DiscoveryRelay: cfg.DiscoveryRelays,
	})
	if err = orchestrator.Start(); chk.E(err) {
		log.F.F("start client orchestrator: %v", err)
	}

	srv := gateway.NewServer(gateway.Config{
		Signer:       signer,
		Npub:         npub,
		Groups:       groups,
		AuthStore:    authStore,
		Challenges:   challenges,
		Pool:         pool,
		Drive:        driveStore,
		Orchestrator: orchestrator,

		PublicGatewayEnabled: cfg.PublicGateway,
		PublicGatewayURL:     cfg.PublicGatewayURL,
		PublicGatewaySecret:  cfg.PublicGatewaySecret,
	})

	if cfg.PublicGateway {
		backend := fmt.Sprintf("http://%s:%d", cfg.Listen, cfg.Port)
		if err = srv.RegisterWithPublicGateway(npub, backend); chk.E(err) {
			log.W.F("register with public gateway: %v", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-srv.ShutdownRequested:
		}
		if cfg.PublicGateway {
			chk.E(srv.UnregisterFromPublicGateway(npub))
		}
		srv.Shutdown()
	}()

	if err = srv.Start(cfg.Listen, cfg.Port); chk.E(err) {
		log.F.F("gateway terminated: %v", err)
	}
}

// loadSigner builds the operator's Signer from HYPERTUNA_NOSTR_NSEC if set,
// generating and printing a fresh keypair otherwise -- grounded on
// kwsantiago-orly/crypto/p256k's InitSec/Generate split, adapted to this
// worker's bech32-encoded identity (spec.md §6.2's /<npub>/... URL scheme).
func loadSigner(cfg *config.C) (signer authcrypto.Signer, npub string, err error) {
	s := &authcrypto.Secp256k1{}
	switch {
	case cfg.NostrNsec != "":
		hrp, data, derr := bech32.DecodeToBytes(strings.TrimSpace(cfg.NostrNsec))
		if derr != nil || hrp != nsecHRP {
			err = fmt.Errorf("main: malformed HYPERTUNA_NOSTR_NSEC: %w", derr)
			return nil, "", err
		}
		if err = s.InitSec(data); chk.E(err) {
			return nil, "", err
		}
	default:
		if err = s.Generate(); chk.E(err) {
			return nil, "", err
		}
		nsec, eerr := bech32.EncodeFromBytes(nsecHRP, s.Sec())
		if chk.E(eerr) {
			return nil, "", eerr
		}
		log.W.F("no HYPERTUNA_NOSTR_NSEC configured, generated a fresh identity: %s", nsec)
	}
	npub, err = bech32.EncodeFromBytes(npubHRP, s.Pub())
	if chk.E(err) {
		return nil, "", err
	}
	return s, npub, nil
}
