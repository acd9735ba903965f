package relay

import (
	"net/http"

	"courier/internal/config"
	"courier/internal/store"
)

// Store is the durable state the relay depends on: the message log and the
// credential table. *store.Store satisfies it; tests substitute fakes.
type Store interface {
	InsertMessage(sender, recipient, body string) (*store.Message, error)
	Conversation(a, b string) ([]*store.Message, error)
	CreateUser(username, passwordHash string) error
	GetUser(username string) (*store.User, error)
}

type Server struct {
	store  Store
	cfg    *config.Config
	secret []byte

	registry *Registry
	presence *Broadcaster

	authLimiter *RateLimiter
	mux         *http.ServeMux
}

func NewServer(st Store, secret []byte, cfg *config.Config) *Server {
	s := &Server{
		store:       st,
		cfg:         cfg,
		secret:      secret,
		registry:    NewRegistry(),
		presence:    NewBroadcaster(),
		authLimiter: NewRateLimiter(cfg.Limits.LoginPerSec, cfg.Limits.LoginBurst),
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close releases background resources. Live connections drain on their own
// when the listener goes away.
func (s *Server) Close() {
	s.authLimiter.Close()
}

// broadcastPresence pushes the current registry snapshot to every live
// connection. Called once per registry mutation.
func (s *Server) broadcastPresence() {
	s.presence.Broadcast(s.registry.Snapshot())
}
