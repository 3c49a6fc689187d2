package relay

import "net/http"

// Route patterns served by [Server].
const (
	PathHandshake    = "/api/realtime/handshake"
	PathClientSecret = "/api/realtime/client-secret"
)

// Server bundles the relay endpoints.
type Server struct {
	Handshake *Handshake
	Minter    *Minter
}

// NewServer creates a Server from its two endpoints.
func NewServer(h *Handshake, m *Minter) *Server {
	return &Server{Handshake: h, Minter: m}
}

// Register adds the relay routes to mux:
//
//	POST /api/realtime/handshake      SDP offer in, SDP answer out
//	POST /api/realtime/client-secret  mint a short-lived client secret
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST "+PathHandshake, s.Handshake)
	mux.Handle("POST "+PathClientSecret, s.Minter)
}

// Handler returns a mux serving only the relay routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}
