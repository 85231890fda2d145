package group

import (
	"encoding/json"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/errorf"
)

// invitePayload is the plaintext JSON carried inside a kind-9009 invite's
// ECDH-encrypted envelope, per spec.md §3/§4.2.
type invitePayload struct {
	TransportUrl string `json:"transportUrl"`
	Token        string `json:"token"`
	RelayId      string `json:"relayId"`
	IsPublic     bool   `json:"isPublic"`
}

func parseInvitePayload(plain string) (*Invite, error) {
	var p invitePayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, errorf.E("group: malformed invite payload: %w", err)
	}
	return &Invite{TransportUrl: p.TransportUrl, Token: p.Token, IsPublic: p.IsPublic}, nil
}

// EncryptInvitePayload builds and ECDH-encrypts the content of a kind-9009
// invite event, ready to be passed to event.NewInvite. sender is the
// inviter's Signer; inviteePubkey is the invitee's raw x-only public key.
func EncryptInvitePayload(sender authcrypto.Signer, inviteePubkey []byte, transportUrl, token, relayId string, isPublic bool) (string, error) {
	secret, err := sender.ECDH(inviteePubkey)
	if err != nil {
		return "", errorf.E("group: ECDH for invite: %w", err)
	}
	plain, err := json.Marshal(invitePayload{TransportUrl: transportUrl, Token: token, RelayId: relayId, IsPublic: isPublic})
	if err != nil {
		return "", errorf.E("group: marshal invite payload: %w", err)
	}
	return authcrypto.EncryptEnvelope(secret, string(plain))
}
