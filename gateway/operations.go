package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"hypertuna.dev/chk"
	"hypertuna.dev/client"
)

// Operations is the worker control channel of spec.md §6.3, re-exposed as
// typed REST+OpenAPI operations via huma instead of the original's
// newline-delimited-JSON Electron IPC transport (that transport is an
// Electron-shell concern, out of scope per spec.md §1; the operations
// themselves are in scope). Grounded on
// kwsantiago-orly/pkg/protocol/openapi.Operations's `x *Operations`/
// `RegisterX(api huma.API)` method-per-operation shape.
type Operations struct {
	s *Server
}

const controlPath = "/_control"

// RegisterConfig exposes the worker's current initialization status, per
// spec.md §6.3's `config` operation ("initialises the worker, emits status
// {initialized:true, swarmKey}"). Initialization itself happens once at
// process startup (main.go at the module root); this operation reports it.
func (x *Operations) RegisterConfig(api huma.API) {
	type Output struct {
		Body struct {
			Initialized bool   `json:"initialized"`
			SwarmKey    string `json:"swarmKey"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "config",
		Summary:     "report worker status",
		Path:        controlPath + "/config",
		Method:      http.MethodGet,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *struct{}) (*Output, error) {
		out := &Output{}
		out.Body.Initialized = true
		out.Body.SwarmKey = hexPub(x.s.cfg.Signer.Pub())
		return out, nil
	})
}

// CreateRelayInput is the request body for spec.md §6.3's `create-relay`.
type CreateRelayInput struct {
	Body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPublic    bool   `json:"isPublic"`
		IsOpen      bool   `json:"isOpen"`
		FileSharing bool   `json:"fileSharing"`
	}
}

// RegisterCreateRelay registers spec.md §6.3's `create-relay` operation:
// mint a new group, wire its C4 projection, and expose it on this
// gateway's own `/<npub>/<name>` path.
func (x *Operations) RegisterCreateRelay(api huma.API) {
	type Output struct {
		Body struct {
			Success          bool   `json:"success"`
			RelayKey         string `json:"relayKey"`
			PublicIdentifier string `json:"publicIdentifier"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "create-relay",
		Summary:     "create a new relay group",
		Path:        controlPath + "/create-relay",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *CreateRelayInput) (*Output, error) {
		out := &Output{}
		publicIdentifier, err := x.s.cfg.Orchestrator.CreateRelay(
			input.Body.Name, input.Body.Description,
			input.Body.IsPublic, input.Body.IsOpen, input.Body.FileSharing,
		)
		if err != nil {
			return nil, huma.Error500InternalServerError("create-relay", err)
		}
		x.s.RegisterRelay(x.s.cfg.Npub, input.Body.Name, publicIdentifier, input.Body.IsPublic)
		out.Body.Success = true
		out.Body.RelayKey = RelayKey(x.s.cfg.Npub, input.Body.Name)
		out.Body.PublicIdentifier = publicIdentifier
		return out, nil
	})
}

// JoinEventOut mirrors client.JoinEvent over the wire.
type JoinEventOut struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

// StartJoinFlowInput is the request body for spec.md §6.3's
// `start-join-flow`.
type StartJoinFlowInput struct {
	Body struct {
		PublicIdentifier string   `json:"publicIdentifier"`
		FileSharing      bool     `json:"fileSharing"`
		HostPeers        []string `json:"hostPeers"`
		RelayName        string   `json:"relayName"`
	}
}

// RegisterStartJoinFlow registers spec.md §6.3's `start-join-flow`
// operation: drive the §4.6 ECDH handshake against hostPeers in order and
// report every join-auth-progress/-success/-error event as they occur,
// per spec.md §8 scenario 1.
func (x *Operations) RegisterStartJoinFlow(api huma.API) {
	type Output struct {
		Body struct {
			Events   []JoinEventOut `json:"events"`
			Success  bool           `json:"success"`
			Token    string         `json:"token,omitempty"`
			RelayKey string         `json:"relayKey,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "start-join-flow",
		Summary:     "join a relay via ECDH handshake",
		Path:        controlPath + "/start-join-flow",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *StartJoinFlowInput) (*Output, error) {
		out := &Output{}
		for ev := range x.s.cfg.Orchestrator.StartJoinFlow(input.Body.PublicIdentifier, input.Body.HostPeers) {
			out.Body.Events = append(out.Body.Events, JoinEventOut{
				Kind: string(ev.Kind), Message: ev.Message, Token: ev.Token,
			})
			if ev.Kind == client.JoinSuccess {
				out.Body.Success = true
				out.Body.Token = ev.Token
				if input.Body.RelayName != "" {
					x.s.RegisterRelay(x.s.cfg.Npub, input.Body.RelayName, input.Body.PublicIdentifier, false)
					out.Body.RelayKey = RelayKey(x.s.cfg.Npub, input.Body.RelayName)
				}
			}
		}
		return out, nil
	})
}

// JoinRelayInput is the request body for spec.md §6.3's `join-relay`.
type JoinRelayInput struct {
	Body struct {
		RelayKey         string `json:"relayKey"` // the remote peer's transport URL
		Name             string `json:"name"`
		Description      string `json:"description"`
		PublicIdentifier string `json:"publicIdentifier"`
		AuthToken        string `json:"authToken"`
		FileSharing      bool   `json:"fileSharing"`
	}
}

// RegisterJoinRelay registers spec.md §6.3's `join-relay` operation:
// attach an already-authorized relay using a previously issued token.
func (x *Operations) RegisterJoinRelay(api huma.API) {
	type Output struct {
		Body struct {
			Success  bool   `json:"success"`
			RelayKey string `json:"relayKey"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "join-relay",
		Summary:     "attach a relay with an existing token",
		Path:        controlPath + "/join-relay",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *JoinRelayInput) (*Output, error) {
		out := &Output{}
		if err := x.s.cfg.Orchestrator.JoinRelay(
			input.Body.RelayKey, input.Body.PublicIdentifier, input.Body.AuthToken,
		); err != nil {
			return nil, huma.Error500InternalServerError("join-relay", err)
		}
		x.s.RegisterRelay(x.s.cfg.Npub, input.Body.Name, input.Body.PublicIdentifier, false)
		out.Body.Success = true
		out.Body.RelayKey = RelayKey(x.s.cfg.Npub, input.Body.Name)
		return out, nil
	})
}

// DisconnectRelayInput is the request body for spec.md §6.3's
// `disconnect-relay`.
type DisconnectRelayInput struct {
	Body struct {
		RelayKey   string `json:"relayKey"` // the remote peer's transport URL
		Identifier string `json:"identifier"`
	}
}

// RegisterDisconnectRelay registers spec.md §6.3's `disconnect-relay`
// operation.
func (x *Operations) RegisterDisconnectRelay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "disconnect-relay",
		Summary:     "tear down a relay connection",
		Path:        controlPath + "/disconnect-relay",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *DisconnectRelayInput) (*struct{}, error) {
		x.s.cfg.Orchestrator.DisconnectRelay(input.Body.RelayKey)
		if input.Body.Identifier != "" {
			x.s.RemoveRelay(x.s.cfg.Npub, input.Body.Identifier)
		}
		return &struct{}{}, nil
	})
}

// UpdateMembersInput is the request body for spec.md §6.3's
// `update-members`.
type UpdateMembersInput struct {
	Body struct {
		RelayKey         string   `json:"relayKey"`
		PublicIdentifier string   `json:"publicIdentifier"`
		Members          []string `json:"members"`
	}
}

// RegisterUpdateMembers registers spec.md §6.3's `update-members`
// operation: push an authoritative member set to the worker's token
// store by revoking any token whose pubkey is no longer a member.
func (x *Operations) RegisterUpdateMembers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "update-members",
		Summary:     "synchronize the auth store with an authoritative member set",
		Path:        controlPath + "/update-members",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *UpdateMembersInput) (*struct{}, error) {
		keep := make(map[string]struct{}, len(input.Body.Members))
		for _, pk := range input.Body.Members {
			keep[pk] = struct{}{}
		}
		for _, entry := range x.s.cfg.AuthStore.Export(input.Body.RelayKey) {
			if _, ok := keep[entry.Pubkey]; !ok {
				x.s.cfg.AuthStore.RemoveAuth(input.Body.RelayKey, entry.Pubkey)
			}
		}
		return &struct{}{}, nil
	})
}

// RemoveAuthDataInput is the request body for spec.md §6.3's
// `remove-auth-data`.
type RemoveAuthDataInput struct {
	Body struct {
		RelayKey         string `json:"relayKey"`
		PublicIdentifier string `json:"publicIdentifier"`
		Pubkey           string `json:"pubkey"`
	}
}

// RegisterRemoveAuthData registers spec.md §6.3's `remove-auth-data`
// operation: revoke a single (relay, pubkey) token.
func (x *Operations) RegisterRemoveAuthData(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "remove-auth-data",
		Summary:     "revoke a single token",
		Path:        controlPath + "/remove-auth-data",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *RemoveAuthDataInput) (*struct{}, error) {
		x.s.cfg.AuthStore.RemoveAuth(input.Body.RelayKey, input.Body.Pubkey)
		return &struct{}{}, nil
	})
}

// UploadPfpInput is the request body for spec.md §6.3's `upload-pfp`.
type UploadPfpInput struct {
	Body struct {
		Owner    string `json:"owner"`
		FileHash string `json:"fileHash"`
		Metadata string `json:"metadata"`
		Buffer   []byte `json:"buffer"`
	}
}

// RegisterUploadPfp registers spec.md §6.3's `upload-pfp` operation:
// content-address Buffer into the local drive store at
// `drive:pfp:<owner>/<fileHash>`.
func (x *Operations) RegisterUploadPfp(api huma.API) {
	type Output struct {
		Body struct {
			Success bool   `json:"success"`
			Cid     string `json:"cid,omitempty"`
			Error   string `json:"error,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "upload-pfp",
		Summary:     "store a profile picture in the content-addressed drive",
		Path:        controlPath + "/upload-pfp",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *UploadPfpInput) (*Output, error) {
		out := &Output{}
		key := "drive:pfp:" + input.Body.Owner + "/" + input.Body.FileHash
		c, err := x.s.cfg.Drive.PutEntry(key, input.Body.Buffer)
		if chk.E(err) {
			out.Body.Error = err.Error()
			return out, nil
		}
		out.Body.Success = true
		out.Body.Cid = c.String()
		return out, nil
	})
}

// RegisterShutdown registers spec.md §6.3's `shutdown` operation: flush and
// exit. The HTTP response is sent before the gateway itself begins
// shutting down, since the handler goroutine would otherwise be torn down
// mid-response.
func (x *Operations) RegisterShutdown(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "shutdown",
		Summary:     "flush state and terminate the worker",
		Path:        controlPath + "/shutdown",
		Method:      http.MethodPost,
		Tags:        []string{"control"},
	}, func(ctx context.Context, input *struct{}) (*struct{}, error) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			x.s.RequestShutdown()
		}()
		return &struct{}{}, nil
	})
}

func hexPub(pub []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pub)*2)
	for i, b := range pub {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
