// Package app implements C7: the thin application layer riding on top of
// device/session. It serializes Query values, awaits the matching
// Response once device/session reassembles it, and keeps the small
// catalog state (known server types, peer lists, cached file/media bytes,
// chat history) that C7 owns per §4.6. It owns no network invariants —
// those all live in C2-C5.
//
// Grounded on the original simulator's general_use.rs Query/Response
// wire enums, carried here as JSON-tagged Go values per §6's "Wire
// format: Application payloads are UTF-8 text (JSON-encoded Query/
// Response values)".
package app

import (
	"encoding/json"
	"fmt"

	"github.com/meshnet-sim/overlay/core/meshnet"
)

// ServerType tags a content or communication server's role, reported in
// response to an AskType query.
type ServerType int

const (
	ServerTypeUndefined ServerType = iota
	ServerTypeCommunication
	ServerTypeText
	ServerTypeMedia
)

func (t ServerType) String() string {
	switch t {
	case ServerTypeCommunication:
		return "communication"
	case ServerTypeText:
		return "text"
	case ServerTypeMedia:
		return "media"
	default:
		return "undefined"
	}
}

// QueryKind tags which variant a Query holds.
type QueryKind int

const (
	QueryAskType QueryKind = iota
	QueryRegisterClient
	QueryUnregisterClient
	QueryAskListClients
	QuerySendMessageTo
	QueryAskListFiles
	QueryAskFile
	QueryAskMedia
)

// Query is a client-to-server request (§4.6, supplemented with
// RegisterClient/UnregisterClient/AskListClients per the original
// simulator's communication-server registry).
type Query struct {
	Kind QueryKind `json:"kind"`

	// ClientID names the registering client (RegisterClient,
	// UnregisterClient) or the message's target peer (SendMessageTo).
	ClientID meshnet.NodeID `json:"client_id,omitempty"`

	Message  string `json:"message,omitempty"`
	FileRef  string `json:"file_ref,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Marshal serializes q as the UTF-8 JSON payload carried over C5.
func (q Query) Marshal() ([]byte, error) {
	return json.Marshal(q)
}

// UnmarshalQuery parses a Query from a reassembled payload.
func UnmarshalQuery(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, fmt.Errorf("app: malformed query: %w", err)
	}
	return q, nil
}

// ResponseKind tags which variant a Response holds.
type ResponseKind int

const (
	ResponseServerType ResponseKind = iota
	ResponseClientRegistered
	ResponseClientUnregistered
	ResponseMessageFrom
	ResponseListClients
	ResponseListFiles
	ResponseFile
	ResponseMedia
	ResponseErr
)

// Response is a server-to-client reply (§4.6).
type Response struct {
	Kind ResponseKind `json:"kind"`

	ServerType ServerType `json:"server_type,omitempty"`

	// FromClient names the sender of a relayed MessageFrom.
	FromClient meshnet.NodeID `json:"from_client,omitempty"`
	Message    string         `json:"message,omitempty"`

	Clients []meshnet.NodeID `json:"clients,omitempty"`

	Files []string `json:"files,omitempty"`

	// FileRef/MediaRef are not carried on the wire (File/Media carry only
	// bytes) and nothing in this package sets them: the client keys its
	// file and media caches by the ref of its own pending query instead.
	FileRef  string `json:"-"`
	Data     string `json:"data,omitempty"`
	MediaRef string `json:"-"`

	Err string `json:"err,omitempty"`
}

// Marshal serializes r as the UTF-8 JSON payload carried over C5.
func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResponse parses a Response from a reassembled payload.
func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("app: malformed response: %w", err)
	}
	return r, nil
}
