package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"QFMBot/core/player"
	"QFMBot/core/recovery"
	"QFMBot/logger"
	"QFMBot/model"

	"github.com/gorilla/mux"
)

// History reads the persisted playback history. persistence.Adapter implements it.
type History interface {
	History(ctx context.Context, guildID string, limit int) ([]*model.DisconnectRecord, error)
	PreviousTracks(ctx context.Context, guildID string, limit int) ([]model.PreviousTrack, error)
}

// Recoverer re-runs crash recovery for one guild.
type Recoverer interface {
	RecoverGuild(ctx context.Context, guildID string) (recovery.Outcome, error)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Server is the status and admin API.
type Server struct {
	router *mux.Router

	mu         sync.Mutex
	httpServer *http.Server

	players   *player.Manager
	history   History
	recoverer Recoverer
	secret    []byte
	hub       *Hub

	checkNames []string
	checks     map[string]HealthCheck
}

// New 创建 API 服务
func New(players *player.Manager, history History, recoverer Recoverer, secret []byte) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		players:   players,
		history:   history,
		recoverer: recoverer,
		secret:    secret,
		checks:    make(map[string]HealthCheck),
	}
	s.routes()
	return s
}

// SetHub enables the websocket notice feed.
func (s *Server) SetHub(h *Hub) {
	s.hub = h
}

// AddHealthCheck registers a dependency reported by /api/health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	if _, ok := s.checks[name]; !ok {
		s.checkNames = append(s.checkNames, name)
	}
	s.checks[name] = check
}

func (s *Server) routes() {
	r := s.router

	// 添加 CORS 中间件
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/api/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/players", s.ListPlayersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/players/{guild}", s.GetPlayerHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/players/{guild}/queue", s.GetQueueHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/guilds/{guild}/history", s.PreviousTracksHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/guilds/{guild}/disconnects", s.DisconnectsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/guilds/{guild}/feed", s.FeedHandler).Methods(http.MethodGet)

	// 管理端点
	r.HandleFunc("/api/recovery/{guild}", s.AuthMiddleware(s.RecoverHandler)).Methods(http.MethodPost)
	r.HandleFunc("/api/players/{guild}", s.AuthMiddleware(s.DestroyPlayerHandler)).Methods(http.MethodDelete)
}

// Handler returns the router, used by tests and by Start.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	logger.Info("api server listening", logger.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
