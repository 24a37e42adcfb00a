// Package httpapi serves the synchronous chat API and mounts the WebSocket
// gateway next to it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/chat"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Chat           *chat.Service
	JWT            *auth.JWT
	Realtime       http.Handler
	AllowedOrigins []string
	Log            *zap.Logger
}

// NewRouter builds the HTTP handler:
//
//	GET    /healthz
//	GET    /chat                              WebSocket upgrade
//	GET    /chat/conversations
//	GET    /chat/conversation/{id}/messages
//	POST   /chat/conversation/{id}/read-all
//	POST   /chat/message
//	POST   /chat/message/{id}/read
//	DELETE /chat/message/{id}
//	GET    /chat/unread-count
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{chat: d.Chat, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/chat", func(r chi.Router) {
		if d.Realtime != nil {
			r.Get("/", d.Realtime.ServeHTTP)
		}
		r.Group(func(r chi.Router) {
			r.Use(requireAuth(d.JWT))
			r.Get("/conversations", h.listConversations)
			r.Get("/conversation/{id}/messages", h.listMessages)
			r.Post("/conversation/{id}/read-all", h.markAllAsRead)
			r.Post("/message", h.sendMessage)
			r.Post("/message/{id}/read", h.markAsRead)
			r.Delete("/message/{id}", h.deleteMessage)
			r.Get("/unread-count", h.unreadCount)
		})
	})
	return r
}

func requireAuth(j *auth.JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := j.Authenticate(r)
			if err != nil {
				writeError(w, nil, chat.ErrUnauthenticated)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
