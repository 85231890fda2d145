// Package config provides a go-simpler.org/env configuration table and
// helpers for working with the .env override file stored in the worker's
// XDG config directory, grounded on
// kwsantiago-orly/app/config/config.go -- same struct tag style, same
// env-file-overrides-defaults load order, same help/env CLI introspection.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"hypertuna.dev/chk"
	"hypertuna.dev/log"
	"hypertuna.dev/lol"
	"hypertuna.dev/utils/apputil"
	"hypertuna.dev/version"
)

// C is the worker's top-level configuration, populated from the environment
// (or an override .env file) per spec.md §6.5.
type C struct {
	AppName      string `env:"HYPERTUNA_APP_NAME" default:"hypertuna"`
	Config       string `env:"HYPERTUNA_CONFIG_DIR" usage:"location of the .env override file"`
	DataDir      string `env:"HYPERTUNA_DATA_DIR" usage:"storage location for event store, drive blocks, and auth exports"`
	Listen       string `env:"HYPERTUNA_LISTEN" default:"127.0.0.1" usage:"local gateway listen address"`
	Port         int    `env:"HYPERTUNA_PORT" default:"4433" usage:"local gateway listen port"`
	LogLevel     string `env:"HYPERTUNA_LOG_LEVEL" default:"info" usage:"trace debug info warn error fatal"`
	AuthRequired bool   `env:"HYPERTUNA_AUTH_REQUIRED" default:"true" usage:"not read by the worker: the gateway always requires a valid token or a completed challenge before serving group traffic"`

	PublicGateway       bool   `env:"HYPERTUNA_PUBLIC_GATEWAY" default:"false" usage:"register served relays with a public gateway"`
	PublicGatewayURL    string `env:"HYPERTUNA_PUBLIC_GATEWAY_URL" default:"https://hypertuna.com" usage:"public gateway registration endpoint"`
	PublicGatewaySecret string `env:"HYPERTUNA_PUBLIC_GATEWAY_SECRET" usage:"shared secret used to authenticate registration with the public gateway"`

	NostrPubkeyHex string `env:"HYPERTUNA_NOSTR_PUBKEY_HEX" usage:"operator's hex public key"`
	NostrNpub      string `env:"HYPERTUNA_NOSTR_NPUB" usage:"operator's bech32 public key"`
	NostrNsec      string `env:"HYPERTUNA_NOSTR_NSEC" usage:"operator's bech32 private key (sensitive)"`

	DiscoveryRelays []string `env:"HYPERTUNA_DISCOVERY_RELAYS" usage:"comma-separated discovery relay URLs"`

	SwarmListen []string `env:"HYPERTUNA_SWARM_LISTEN" usage:"comma-separated libp2p listen multiaddrs for the drive substrate"`

	MinPublishInterval time.Duration `env:"HYPERTUNA_MIN_PUBLISH_INTERVAL" default:"50ms" usage:"minimum interval between outbound frames on a single relay connection"`
	PublishTimeout     time.Duration `env:"HYPERTUNA_PUBLISH_TIMEOUT" default:"10s" usage:"how long to wait for an OK after publishing an event"`
	ReconnectDelay     time.Duration `env:"HYPERTUNA_RECONNECT_DELAY" default:"5s" usage:"delay between reconnect attempts to a relay"`
	QuiescenceWindow   time.Duration `env:"HYPERTUNA_QUIESCENCE_WINDOW" default:"300ms" usage:"debounce window for group membership change notifications"`
}

// New loads C from the environment, then from an optional .env file in the
// config directory (which takes precedence over bare environment values, as
// it does in the teacher: a deliberately-edited file should win).
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	if cfg.Config == "" {
		cfg.Config = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	envPath := filepath.Join(cfg.Config, ".env")
	if apputil.FileExists(envPath) {
		var f *os.File
		if f, err = os.Open(envPath); chk.E(err) {
			return
		}
		defer f.Close()
		if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.E(err) {
			return
		}
		lol.SetLogLevel(cfg.LogLevel)
		log.I.F("loaded configuration overrides from %s", envPath)
	}
	return
}

// HelpRequested reports whether the first CLI argument asked for help.
func HelpRequested() bool {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--help", "?":
			return true
		}
	}
	return false
}

// GetEnv reports whether the first CLI argument asked for the current
// configuration printed as environment variable assignments.
func GetEnv() bool {
	return len(os.Args) > 1 && strings.ToLower(os.Args[1]) == "env"
}

// KV is a single environment-variable key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a sortable collection of KV pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// EnvKV renders a config struct's `env`-tagged fields as key/value pairs.
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	v := reflect.ValueOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		if k == "" {
			continue
		}
		var val string
		switch fv := v.Field(i).Interface().(type) {
		case string:
			val = fv
		case int, bool, time.Duration:
			val = fmt.Sprint(fv)
		case []string:
			val = strings.Join(fv, ",")
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv writes cfg's key/value pairs, one per line, sorted by key.
func PrintEnv(cfg *C, w io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, kv := range kvs {
		fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value)
	}
}

// PrintHelp writes the usage text for every configuration field, plus the
// current effective values.
func PrintHelp(cfg *C, w io.Writer) {
	fmt.Fprintf(w, "%s %s\n\n", cfg.AppName, version.V)
	fmt.Fprintf(w, "Environment variables that configure %s:\n\n", cfg.AppName)
	env.Usage(cfg, w, &env.Options{SliceSep: ","})
	fmt.Fprintf(
		w,
		"\na %q file in %s is loaded automatically and overrides the environment.\n"+
			"use the CLI argument 'env' to print the current configuration in that format.\n\n",
		".env", cfg.Config,
	)
	fmt.Fprintf(w, "current configuration:\n\n")
	PrintEnv(cfg, w)
}
