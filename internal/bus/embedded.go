package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const embeddedReadyTimeout = 5 * time.Second

// StartEmbedded runs an in-process NATS server on a random loopback port.
// Used when the daemon is configured without an external broker. The caller
// owns shutdown.
func StartEmbedded() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(embeddedReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", embeddedReadyTimeout)
	}
	return srv, nil
}

// Connect dials a NATS server with reconnect behavior suited to a
// long-running daemon.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
