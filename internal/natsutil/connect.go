// Package natsutil holds the NATS connection setup shared by the daemon
// and the CLI.
package natsutil

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultReconnectWait is the pause between reconnection attempts.
const DefaultReconnectWait = 2 * time.Second

// ErrNoServers is returned when no server URL is configured.
var ErrNoServers = errors.New("no NATS servers configured")

// ConnectOptions configures the NATS connection.
type ConnectOptions struct {
	URLs        []string
	Credentials string
	// Name is reported to the server and shows up in its connection list.
	Name          string
	ReconnectWait time.Duration
	Logger        *slog.Logger

	// OnDisconnect runs after the default handler logs the loss. The
	// daemon uses it to drop transport state bound to the old session.
	OnDisconnect func(nc *nats.Conn, err error)
	// OnReconnect runs once the connection is re-established.
	OnReconnect func(nc *nats.Conn, url string)
	// OnClosed runs when the connection is permanently closed.
	OnClosed func(nc *nats.Conn)
}

// Connect dials NATS with unlimited reconnects. Servers learned through
// cluster gossip are added to the reconnect pool.
func Connect(opts ConnectOptions) (*nats.Conn, error) {
	if len(opts.URLs) == 0 {
		return nil, ErrNoServers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := opts.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DontRandomize(), // first connection follows the configured order

		nats.DiscoveredServersHandler(func(nc *nats.Conn) {
			logger.Debug("NATS cluster topology updated",
				"discovered", nc.DiscoveredServers(),
				"all_known", nc.Servers(),
			)
		}),

		nats.ReconnectHandler(func(nc *nats.Conn) {
			url := nc.ConnectedUrl()
			logger.Info("NATS reconnected", "url", url, "server_id", nc.ConnectedServerId())
			if opts.OnReconnect != nil {
				opts.OnReconnect(nc, url)
			}
		}),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			} else {
				logger.Debug("NATS disconnected gracefully")
			}
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(nc, err)
			}
		}),

		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
			if opts.OnClosed != nil {
				opts.OnClosed(nc)
			}
		}),

		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("NATS async error", "subject", sub.Subject, "error", err)
				return
			}
			logger.Error("NATS async error", "error", err)
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	if opts.Credentials != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.Credentials))
	}

	nc, err := nats.Connect(strings.Join(opts.URLs, ","), natsOpts...)
	if err != nil {
		return nil, err
	}

	logger.Info("NATS connected",
		"url", nc.ConnectedUrl(),
		"server_id", nc.ConnectedServerId(),
		"cluster_name", nc.ConnectedClusterName(),
	)
	return nc, nil
}
