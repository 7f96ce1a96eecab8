package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/kevio/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs the bus in-process so the daemon needs no broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when embedded mode is off. The server only listens
// on loopback; UI and tray collaborators run on the same machine.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     cfg.Port,
		StoreDir: cfg.StoreDir,
		NoSigs:   true,
		NoLog:    true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial. With port -1 the server
// picks a free port.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
