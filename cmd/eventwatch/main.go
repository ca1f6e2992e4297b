package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/duolink/relay-app/internal/events"
)

func main() {
	log.Println("Starting Duolink event watcher...")

	// NATS setup.
	natsConfig := events.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "duolink-eventwatch"

	publisher, err := events.NewNATSPublisher(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Follow every lifecycle subject and print what the relay is doing.
	err = publisher.SubscribeLifecycle(func(subject string, data []byte) {
		var ev struct {
			SessionID string `json:"sessionId"`
			Role      string `json:"role"`
			GuestID   string `json:"guestId"`
			Reason    string `json:"reason"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[eventwatch] %s: bad payload: %v", subject, err)
			return
		}

		switch {
		case subject == events.SubjectSessionCreated:
			log.Printf("[eventwatch] session created session=%s", ev.SessionID)
		case strings.HasPrefix(subject, events.SubjectPeerJoined):
			if ev.GuestID != "" {
				log.Printf("[eventwatch] peer joined session=%s role=%s guest=%s",
					ev.SessionID, ev.Role, ev.GuestID)
			} else {
				log.Printf("[eventwatch] peer joined session=%s role=%s",
					ev.SessionID, ev.Role)
			}
		case strings.HasPrefix(subject, events.SubjectPeerLeft):
			log.Printf("[eventwatch] peer left session=%s role=%s", ev.SessionID, ev.Role)
		case strings.HasPrefix(subject, events.SubjectSessionEnded):
			log.Printf("[eventwatch] session ended session=%s reason=%s", ev.SessionID, ev.Reason)
		default:
			log.Printf("[eventwatch] %s: %s", subject, data)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to lifecycle events: %v", err)
	}

	log.Printf("Duolink event watcher running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	publisher.Close()
}
