package app

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/session"
)

// ChatMessage is one relayed message recorded in a client's chat history.
type ChatMessage struct {
	From meshnet.NodeID
	Text string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Self is this client's node id.
	Self meshnet.NodeID

	// Sessions dispatches Queries and delivers reassembled Responses.
	Sessions *session.Manager

	// Logger for application events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// pendingQuery remembers enough about an in-flight Query to route its
// Response into the right cache slot once it arrives — the wire
// Response carries no back-reference to the request that produced it.
type pendingQuery struct {
	server meshnet.NodeID
	query  Query
}

// Client is the client half of C7: it owns no network invariants, only
// the catalog state built up from server Responses (§4.6).
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu      sync.Mutex
	pending map[meshnet.SessionID]pendingQuery

	serverTypes map[meshnet.NodeID]ServerType
	files       map[meshnet.NodeID][]string
	fileBytes   map[string]string
	mediaBytes  map[string]string
	peers       map[meshnet.NodeID][]meshnet.NodeID
	registered  map[meshnet.NodeID]bool
	chat        []ChatMessage
	lastErr     map[meshnet.SessionID]string
}

// NewClient creates a Client and wires it as the session Manager's
// message-received handler. The Manager passed in cfg.Sessions must not
// already have a different OnMessageReceived hook in use, since NewClient
// installs its own.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:         cfg,
		log:         logger.WithGroup("app").With("node", cfg.Self),
		pending:     make(map[meshnet.SessionID]pendingQuery),
		serverTypes: make(map[meshnet.NodeID]ServerType),
		files:       make(map[meshnet.NodeID][]string),
		fileBytes:   make(map[string]string),
		mediaBytes:  make(map[string]string),
		peers:       make(map[meshnet.NodeID][]meshnet.NodeID),
		registered:  make(map[meshnet.NodeID]bool),
		lastErr:     make(map[meshnet.SessionID]string),
	}
	cfg.Sessions.SetOnMessageReceived(c.handleResponse)
	return c
}

func (c *Client) sendQuery(server meshnet.NodeID, q Query) (meshnet.SessionID, error) {
	payload, err := q.Marshal()
	if err != nil {
		return 0, err
	}
	id, err := c.cfg.Sessions.Send(server, payload)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.pending[id] = pendingQuery{server: server, query: q}
	c.mu.Unlock()
	return id, nil
}

// AskType probes a server's type.
func (c *Client) AskType(server meshnet.NodeID) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryAskType})
}

// RequestListFile asks a text server for its file catalog.
func (c *Client) RequestListFile(server meshnet.NodeID) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryAskListFiles})
}

// RequestText fetches one file's contents by reference.
func (c *Client) RequestText(server meshnet.NodeID, fileRef string) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryAskFile, FileRef: fileRef})
}

// RequestMedia fetches one media item's contents by reference.
func (c *Client) RequestMedia(server meshnet.NodeID, mediaRef string) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryAskMedia, MediaRef: mediaRef})
}

// SendMessageTo asks a communication server to relay text to peer.
func (c *Client) SendMessageTo(server, peer meshnet.NodeID, text string) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QuerySendMessageTo, ClientID: peer, Message: text})
}

// RegisterToServer registers this client with a communication server.
func (c *Client) RegisterToServer(server meshnet.NodeID) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryRegisterClient, ClientID: c.cfg.Self})
}

// UnregisterFromServer removes this client from a communication server's
// registry.
func (c *Client) UnregisterFromServer(server meshnet.NodeID) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryUnregisterClient, ClientID: c.cfg.Self})
}

// AskListClients asks a communication server for its registered peers.
func (c *Client) AskListClients(server meshnet.NodeID) (meshnet.SessionID, error) {
	return c.sendQuery(server, Query{Kind: QueryAskListClients})
}

// handleResponse is wired as the session Manager's OnMessageReceived
// hook. from is the responding server (every Response the client
// receives was requested by the client itself, so it is also the pending
// query's server — kept for symmetry with the server-side responder,
// which uses the same hook signature to learn the querying client).
func (c *Client) handleResponse(id meshnet.SessionID, from meshnet.NodeID, payload []byte) {
	c.mu.Lock()
	pq, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	resp, err := UnmarshalResponse(payload)
	if err != nil {
		c.log.Warn("malformed response", "session", id, "server", from, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch resp.Kind {
	case ResponseServerType:
		c.serverTypes[pq.server] = resp.ServerType
	case ResponseListFiles:
		c.files[pq.server] = resp.Files
	case ResponseFile:
		c.fileBytes[pq.query.FileRef] = resp.Data
	case ResponseMedia:
		c.mediaBytes[pq.query.MediaRef] = resp.Data
	case ResponseClientRegistered:
		c.registered[pq.server] = true
	case ResponseClientUnregistered:
		c.registered[pq.server] = false
	case ResponseListClients:
		c.peers[pq.server] = resp.Clients
	case ResponseMessageFrom:
		c.chat = append(c.chat, ChatMessage{From: resp.FromClient, Text: resp.Message})
	case ResponseErr:
		c.lastErr[id] = resp.Err
	}
}

// KnownServerType returns the last type reported by server, if known.
func (c *Client) KnownServerType(server meshnet.NodeID) (ServerType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.serverTypes[server]
	return t, ok
}

// KnownFiles returns the last file catalog reported by server, if known.
func (c *Client) KnownFiles(server meshnet.NodeID) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[server]
	return append([]string(nil), f...), ok
}

// CachedFile returns a previously fetched file's contents, if cached.
func (c *Client) CachedFile(ref string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.fileBytes[ref]
	return v, ok
}

// CachedMedia returns a previously fetched media item's contents, if
// cached.
func (c *Client) CachedMedia(ref string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.mediaBytes[ref]
	return v, ok
}

// KnownPeers returns the last peer list reported by a communication
// server, if known.
func (c *Client) KnownPeers(server meshnet.NodeID) ([]meshnet.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[server]
	return append([]meshnet.NodeID(nil), p...), ok
}

// IsRegistered reports whether the client believes it is currently
// registered with server.
func (c *Client) IsRegistered(server meshnet.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[server]
}

// ChatHistory returns every relayed message received so far.
func (c *Client) ChatHistory() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.chat...)
}

// ServerInfo is one server this client has learned about, combining
// whatever the client knows from probing (Type) and from registering
// (Registered). Either half can be present without the other: a server
// can report its type without the client ever registering with it, and
// KnownServerType is only ever set from a ResponseServerType, so a
// communication server the client registered with blind (no AskType
// sent first) still needs to show up here with TypeKnown false.
type ServerInfo struct {
	ID         meshnet.NodeID
	Type       ServerType
	TypeKnown  bool
	Registered bool
}

// KnownServers returns one ServerInfo per server this client has any
// record of, sorted by id. This is the aggregated push/event view of
// server knowledge; KnownServerType and IsRegistered remain the
// per-server pull accessors for code that only cares about one server.
func (c *Client) KnownServers() []ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make(map[meshnet.NodeID]struct{}, len(c.serverTypes)+len(c.registered))
	for id := range c.serverTypes {
		ids[id] = struct{}{}
	}
	for id := range c.registered {
		ids[id] = struct{}{}
	}

	out := make([]ServerInfo, 0, len(ids))
	for id := range ids {
		t, typeKnown := c.serverTypes[id]
		out = append(out, ServerInfo{
			ID:         id,
			Type:       t,
			TypeKnown:  typeKnown,
			Registered: c.registered[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
