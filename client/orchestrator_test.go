package client

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/bech32"
	"hypertuna.dev/envelope"
	"hypertuna.dev/group"
	"hypertuna.dev/relaypool"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestNpubFromURL(t *testing.T) {
	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	npub, err := bech32.EncodeFromBytes("npub", signer.Pub())
	require.NoError(t, err)

	pub, err := npubFromURL("ws://host:1234/" + npub + "/mygroup")
	require.NoError(t, err)
	require.Equal(t, signer.Pub(), pub)

	_, err = npubFromURL("ws://host:1234/")
	require.Error(t, err)
}

func TestCreateRelayAppliesCreateEventLocally(t *testing.T) {
	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	pubkeyHex := hex.EncodeToString(signer.Pub())

	groups := group.NewSet(group.SetConfig{
		LocalSigner:    signer,
		LocalPubkeyHex: pubkeyHex,
		AuthStore:      authstore.New(),
	})
	pool := relaypool.New(relaypool.Config{})
	defer pool.Shutdown()

	o := New(Config{Signer: signer, PubkeyHex: pubkeyHex, Pool: pool, Groups: groups})

	groupId, err := o.CreateRelay("my group", "about", true, true, false)
	require.NoError(t, err)
	require.NotEmpty(t, groupId)

	proj := groups.Get(groupId)
	require.True(t, proj.IsAdmin(pubkeyHex))
}

// fakeHandshakeRelay plays the relay side of spec.md §4.6's ECDH
// challenge/response exactly as gateway.Server.authenticate does, without
// importing the gateway package, so this test stays a pure client-side
// exercise of Orchestrator.handshake.
type fakeHandshakeRelay struct {
	srv    *httptest.Server
	url    string
	signer *authcrypto.Secp256k1
}

func newFakeHandshakeRelay(t *testing.T) *fakeHandshakeRelay {
	t.Helper()
	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	fr := &fakeHandshakeRelay{signer: signer}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		clientPubHex := r.URL.Query().Get("pubkey")
		clientPub, err := hex.DecodeString(clientPubHex)
		require.NoError(t, err)

		secret, err := signer.ECDH(clientPub)
		require.NoError(t, err)

		challenge := []byte("deadbeef")
		env, err := authcrypto.EncryptEnvelope(secret, hex.EncodeToString(challenge))
		require.NoError(t, err)
		authFrame := &envelope.Auth{Challenge: env}
		b, err := authFrame.Marshal()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

		_, message, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := envelope.Parse(message)
		require.NoError(t, err)
		resp, ok := frame.(*envelope.Auth)
		require.True(t, ok)
		plaintext, err := authcrypto.DecryptEnvelope(secret, resp.Challenge)
		require.NoError(t, err)
		respBytes, err := hex.DecodeString(plaintext)
		require.NoError(t, err)
		require.Equal(t, challenge, respBytes)

		token := mintTestToken(signer.Sec(), clientPub)
		notice := &envelope.Notice{Text: "token=" + token}
		b, err = notice.Marshal()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
	}))
	fr.url = "ws" + strings.TrimPrefix(fr.srv.URL, "http")
	return fr
}

func mintTestToken(serverSec, clientPub []byte) string {
	now := time.Now().Unix()
	var nowBytes [8]byte
	for i := 0; i < 8; i++ {
		nowBytes[i] = byte(now >> (8 * (7 - i)))
	}
	h := sha256.New()
	h.Write(serverSec)
	h.Write(clientPub)
	h.Write(nowBytes[:])
	return hex.EncodeToString(h.Sum(nil))
}

func (fr *fakeHandshakeRelay) npubURL(t *testing.T) string {
	t.Helper()
	npub, err := bech32.EncodeFromBytes("npub", fr.signer.Pub())
	require.NoError(t, err)
	return fr.url + "/" + npub + "/g1"
}

func (fr *fakeHandshakeRelay) close() { fr.srv.Close() }

func TestHandshakeReturnsMintedToken(t *testing.T) {
	fr := newFakeHandshakeRelay(t)
	defer fr.close()

	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	o := New(Config{Signer: signer})

	events := make(chan JoinEvent, 8)
	token, err := o.handshake(fr.npubURL(t), events)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestStartJoinFlowReportsErrorWithNoReachableHost(t *testing.T) {
	signer := &authcrypto.Secp256k1{}
	require.NoError(t, signer.Generate())
	groups := group.NewSet(group.SetConfig{
		LocalSigner:    signer,
		LocalPubkeyHex: hex.EncodeToString(signer.Pub()),
		AuthStore:      authstore.New(),
	})
	pool := relaypool.New(relaypool.Config{})
	defer pool.Shutdown()
	o := New(Config{Signer: signer, PubkeyHex: hex.EncodeToString(signer.Pub()), Pool: pool, Groups: groups})

	var last JoinEvent
	for ev := range o.StartJoinFlow("g1", []string{"ws://127.0.0.1:1"}) {
		last = ev
	}
	require.Equal(t, JoinError, last.Kind)
}
