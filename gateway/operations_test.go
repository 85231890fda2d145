package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/client"
	"hypertuna.dev/drive"
	"hypertuna.dev/group"
	"hypertuna.dev/relaypool"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	pubkeyHex := hex.EncodeToString(signer.Pub())

	authStore := authstore.New()
	groups := group.NewSet(group.SetConfig{LocalSigner: signer, LocalPubkeyHex: pubkeyHex, AuthStore: authStore})
	pool := relaypool.New(relaypool.Config{})
	t.Cleanup(pool.Shutdown)

	driveStore, err := drive.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, driveStore.Close()) })

	orchestrator := client.New(client.Config{Signer: signer, PubkeyHex: pubkeyHex, Pool: pool, Groups: groups})

	s := NewServer(Config{
		Signer:       signer,
		Npub:         "npubtest",
		Groups:       groups,
		AuthStore:    authStore,
		Challenges:   authcrypto.NewChallengeStore(),
		Pool:         pool,
		Drive:        driveStore,
		Orchestrator: orchestrator,
	})
	t.Cleanup(func() { s.cfg.Challenges.Stop() })
	return s, pubkeyHex
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestConfigOperationReportsInitialized(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodGet, "/_control/config", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Initialized bool   `json:"initialized"`
		SwarmKey    string `json:"swarmKey"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Initialized)
	require.NotEmpty(t, out.SwarmKey)
}

func TestCreateRelayOperationRegistersRelay(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/_control/create-relay", map[string]interface{}{
		"name": "general", "description": "general chat", "isPublic": true, "isOpen": true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success          bool   `json:"success"`
		RelayKey         string `json:"relayKey"`
		PublicIdentifier string `json:"publicIdentifier"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.Equal(t, "npubtest/general", out.RelayKey)
	require.NotEmpty(t, out.PublicIdentifier)

	_, ok := s.Relay("npubtest", "general")
	require.True(t, ok)
}

func TestUploadPfpOperationStoresContent(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/_control/upload-pfp", map[string]interface{}{
		"owner": "alice", "fileHash": "abc123", "buffer": []byte("hello world"),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool   `json:"success"`
		Cid     string `json:"cid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.Cid)
}

func TestRemoveAuthDataOperationRevokesToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	s.cfg.AuthStore.AddAuth("npubtest/general", "deadbeef", "tok1")
	_, ok := s.cfg.AuthStore.VerifyAuth("npubtest/general", "tok1")
	require.True(t, ok)

	resp := doJSON(t, srv, http.MethodPost, "/_control/remove-auth-data", map[string]interface{}{
		"relayKey": "npubtest/general", "pubkey": "deadbeef",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok = s.cfg.AuthStore.VerifyAuth("npubtest/general", "tok1")
	require.False(t, ok)
}

func TestShutdownOperationClosesShutdownRequested(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/_control/shutdown", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	<-s.ShutdownRequested
}
