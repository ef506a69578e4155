package app

import (
	"log/slog"
	"sync"

	"github.com/meshnet-sim/overlay/core/meshnet"
	"github.com/meshnet-sim/overlay/device/session"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Self is this server's node id.
	Self meshnet.NodeID

	// Type is reported in response to an AskType query.
	Type ServerType

	// Sessions dispatches Responses and delivers reassembled Queries.
	Sessions *session.Manager

	// Files backs a text server's catalog, keyed by file reference. Nil
	// for server types other than ServerTypeText.
	Files map[string]string

	// Media backs a media server's catalog, keyed by media reference. Nil
	// for server types other than ServerTypeMedia.
	Media map[string]string

	// Logger for application events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the server half of C7: a content or communication server
// that answers Queries with Responses over a session Manager. Grounded
// on the original simulator's Server/CommunicationServer/TextServer/
// MediaServer traits, collapsed into one type rather than three separate
// Go types. Every Server answers every Query kind whatever cfg.Type is:
// cfg.Type is only the value reported to AskType, and file and media
// queries are served from cfg.Files and cfg.Media.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu      sync.Mutex
	clients map[meshnet.NodeID]struct{} // registered clients, kept by every server type
}

// NewServer creates a Server and wires it as the session Manager's
// message-received handler.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger.WithGroup("app").With("node", cfg.Self),
		clients: make(map[meshnet.NodeID]struct{}),
	}
	cfg.Sessions.SetOnMessageReceived(s.handleQuery)
	return s
}

func (s *Server) reply(to meshnet.NodeID, resp Response) {
	payload, err := resp.Marshal()
	if err != nil {
		s.log.Error("failed to marshal response", "to", to, "error", err)
		return
	}
	if _, err := s.cfg.Sessions.Send(to, payload); err != nil {
		s.log.Warn("failed to dispatch response", "to", to, "error", err)
	}
}

// handleQuery is wired as the session Manager's OnMessageReceived hook.
func (s *Server) handleQuery(_ meshnet.SessionID, from meshnet.NodeID, payload []byte) {
	q, err := UnmarshalQuery(payload)
	if err != nil {
		s.log.Warn("malformed query", "from", from, "error", err)
		return
	}

	switch q.Kind {
	case QueryAskType:
		s.reply(from, Response{Kind: ResponseServerType, ServerType: s.cfg.Type})

	case QueryRegisterClient:
		s.mu.Lock()
		s.clients[from] = struct{}{}
		s.mu.Unlock()
		s.reply(from, Response{Kind: ResponseClientRegistered})

	case QueryUnregisterClient:
		s.mu.Lock()
		delete(s.clients, from)
		s.mu.Unlock()
		s.reply(from, Response{Kind: ResponseClientUnregistered})

	case QueryAskListClients:
		s.reply(from, Response{Kind: ResponseListClients, Clients: s.listClients()})

	case QuerySendMessageTo:
		s.relayMessage(from, q)

	case QueryAskListFiles:
		s.reply(from, Response{Kind: ResponseListFiles, Files: s.catalogKeys(s.cfg.Files)})

	case QueryAskFile:
		s.replyContent(from, s.cfg.Files, q.FileRef, ResponseFile)

	case QueryAskMedia:
		s.replyContent(from, s.cfg.Media, q.MediaRef, ResponseMedia)

	default:
		s.reply(from, Response{Kind: ResponseErr, Err: "unsupported query"})
	}
}

// relayMessage forwards a SendMessageTo query's text on to its named
// recipient, tagged with the originating client. Any client connected to
// this server may be relayed to, registered or not — registration only
// gates AskListClients visibility, matching the original simulator's
// forward_message_to, which never checks the registry.
func (s *Server) relayMessage(from meshnet.NodeID, q Query) {
	s.reply(q.ClientID, Response{Kind: ResponseMessageFrom, FromClient: from, Message: q.Message})
}

func (s *Server) replyContent(from meshnet.NodeID, catalog map[string]string, ref string, kind ResponseKind) {
	data, ok := catalog[ref]
	if !ok {
		s.reply(from, Response{Kind: ResponseErr, Err: "unknown reference: " + ref})
		return
	}
	s.reply(from, Response{Kind: kind, Data: data})
}

func (s *Server) listClients() []meshnet.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]meshnet.NodeID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) catalogKeys(catalog map[string]string) []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	return keys
}
