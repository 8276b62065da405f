// Package server assembles the HTTP routes.
package server

import (
	"net/http"

	"gastro-chat/internal/auth"
	"gastro-chat/internal/chat"
	myMiddleware "gastro-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Deps struct {
	Chat *chat.Handler
	Auth *auth.Handler
	// AuthMiddleware guards everything except /login and the provider webhook.
	AuthMiddleware *myMiddleware.AuthMiddleware
	// RequestLog enables chi's request logger.
	RequestLog bool
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if d.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/login", d.Auth.Login)
	r.Get("/webhook", d.Chat.VerifyWebhook)
	r.Post("/webhook", d.Chat.ReceiveWebhook)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(d.AuthMiddleware.Handle)

		// Real-time
		r.Get("/api/stream", d.Chat.ServeStream)
		r.Get("/ws", d.Chat.ServeWs)

		r.Post("/api/messages", d.Chat.SendMessage)
		r.Post("/api/messages/template", d.Chat.SendTemplate)
		r.Get("/api/messages", d.Chat.GetChatHistory)
		r.Get("/api/conversations", d.Chat.ListConversations)
		r.Post("/api/conversations/{key}/read", d.Chat.MarkRead)
		r.Get("/api/status", d.Chat.Status)
		r.Post("/api/provider/verify", d.Chat.VerifyProvider)
		r.Post("/api/simulate/inbound", d.Chat.SimulateInbound)
	})

	return r
}
