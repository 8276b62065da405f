package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/client"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	username := flag.String("user", "admin", "operator username")
	password := flag.String("password", os.Getenv("OPERATOR_PASSWORD"), "operator password")
	tabs := flag.Int("tabs", 50, "concurrent dashboard sessions")
	contacts := flag.Int("contacts", 20, "distinct conversations")
	msgCount := flag.Int("messages", 10, "inbound messages per conversation")
	ws := flag.Bool("ws", false, "subscribe over /ws instead of /api/stream")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for convergence")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	log.Printf("🔥 STARTING STRESS TEST: %d tabs, %d conversations, %d messages each...", *tabs, *contacts, *msgCount)

	// 1. Open every tab and wait for its global stream
	sessions := make([]*client.Session, 0, *tabs)
	for i := 0; i < *tabs; i++ {
		api := client.NewAPI(*baseURL, nil)
		if err := api.Login(ctx, *username, *password); err != nil {
			log.Fatalf("❌ login failed: %v", err)
		}
		s := client.NewSession(api, client.SessionConfig{WebSocket: *ws, Logger: logger})
		if err := s.Start(ctx); err != nil {
			log.Fatalf("❌ tab %d did not start: %v", i, err)
		}
		sessions = append(sessions, s)
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	if !waitFor(*wait, func() bool {
		for _, s := range sessions {
			if s.Registry.Global().State() != client.StateOpen {
				return false
			}
		}
		return true
	}) {
		log.Fatal("❌ not every tab connected")
	}
	log.Printf("✅ %d tabs connected", len(sessions))

	// 2. Each conversation gets its inbound messages from its own goroutine
	injector := sessions[0].API
	start := time.Now()
	var wg sync.WaitGroup
	for c := 0; c < *contacts; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			from := fmt.Sprintf("+54911%08d", c)
			for m := 0; m < *msgCount; m++ {
				_, err := injector.SimulateInbound(ctx, chat.InboundEvent{
					ID:      fmt.Sprintf("load_%d_%d", c, m),
					From:    from,
					Content: fmt.Sprintf("pedido %d de %s", m, from),
				})
				if err != nil {
					log.Printf("⚠️ inject %s #%d: %v", from, m, err)
				}
			}
		}(c)
	}
	wg.Wait()
	total := *contacts * *msgCount
	log.Printf("📨 injected %d messages in %s", total, time.Since(start))

	// 3. Every tab must hold every message exactly once
	want := *msgCount
	converged := waitFor(*wait, func() bool {
		for _, s := range sessions {
			for c := 0; c < *contacts; c++ {
				if s.View.Store().Len(fmt.Sprintf("+54911%08d", c)) != want {
					return false
				}
			}
		}
		return true
	})
	if !converged {
		for i, s := range sessions {
			for c := 0; c < *contacts; c++ {
				key := fmt.Sprintf("+54911%08d", c)
				if n := s.View.Store().Len(key); n != want {
					log.Printf("❌ tab %d has %d/%d messages for %s", i, n, want, key)
				}
			}
		}
		log.Fatal("❌ LOAD TEST FAILED")
	}

	st, err := injector.Status(ctx)
	if err == nil {
		log.Printf("📊 server reports %d subscribers, mode %s", st.Subscribers, st.Mode)
	}
	log.Printf("✅ LOAD TEST COMPLETE in %s", time.Since(start))
}

func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}
