package ws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/internal/model"
	"github.com/remote-agent-terminal/relay/internal/upstream"
)

// Service wires the hub to a single upstream link: upstream messages fan out
// to every browser and browser frames go back upstream.
type Service struct {
	hub     *Hub
	link    *upstream.Link
	handler *Handler
	log     zerolog.Logger
}

// NewService creates the relay service. dial may be nil to use the default
// gorilla dialer.
func NewService(linkCfg upstream.Config, handlerCfg HandlerConfig, dial upstream.DialFunc, log zerolog.Logger) *Service {
	hub := NewHub(log)
	s := &Service{
		hub: hub,
		log: log,
	}
	s.link = upstream.NewLink(linkCfg, dial, s.onUpstreamMessage, log)
	hub.SetForwarder(s.link)
	s.handler = NewHandler(hub, handlerCfg, log)
	return s
}

func (s *Service) onUpstreamMessage(frame model.Frame) {
	delivered := s.hub.Broadcast(frame)
	s.log.Trace().Int("type", frame.Type).Int("bytes", len(frame.Data)).Int("delivered", delivered).Msg("upstream message relayed")
}

// Run keeps the upstream link alive until ctx is done. A non-nil error means
// the link gave up reconnecting.
func (s *Service) Run(ctx context.Context) error {
	return s.link.Run(ctx)
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the connection registry.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Link returns the upstream link.
func (s *Service) Link() *upstream.Link {
	return s.link
}

// Close closes every browser connection.
func (s *Service) Close() {
	s.hub.Close()
}
