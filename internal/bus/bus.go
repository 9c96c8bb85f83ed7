// Package bus runs an embedded NATS server as the in-process event
// backbone between the controller and read-only observers like the
// WebSocket feed. Nothing is exposed on the network; clients connect
// in-process.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/timwie/steward/internal/domain"
)

// subjectPrefix namespaces every event subject.
const subjectPrefix = "steward.events."

// Bus owns the embedded server and the controller's publishing
// connection.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// New starts the embedded server and connects to it in-process.
func New() (*Bus, error) {
	srv, err := server.NewServer(&server.Options{
		ServerName: "steward",
		DontListen: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to embedded nats server: %w", err)
	}
	return &Bus{srv: srv, conn: conn}, nil
}

// Close closes the publishing connection and shuts the server down.
func (b *Bus) Close() {
	b.conn.Close()
	b.srv.Shutdown()
}

// Publish implements the controller's EventSink: events go out as
// JSON on a per-type subject.
func (b *Bus) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("bus: marshaling %s event: %v", ev.Type, err)
		return
	}
	if err := b.conn.Publish(subjectPrefix+ev.Type, data); err != nil {
		log.Printf("bus: publishing %s event: %v", ev.Type, err)
	}
}

// Subscribe delivers every published event to fn until the returned
// unsubscribe function is called. Each subscriber gets its own
// in-process connection so a slow consumer cannot stall the
// publisher.
func (b *Bus) Subscribe(fn func(ev domain.Event)) (func(), error) {
	conn, err := nats.Connect("", nats.InProcessServer(b.srv))
	if err != nil {
		return nil, fmt.Errorf("connecting subscriber: %w", err)
	}

	sub, err := conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("bus: unmarshaling event on %s: %v", msg.Subject, err)
			return
		}
		fn(ev)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	// Wait for the server to register the subscription, so events
	// published after Subscribe returns are not missed.
	if err := conn.Flush(); err != nil {
		sub.Unsubscribe()
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	return func() {
		sub.Unsubscribe()
		conn.Close()
	}, nil
}
