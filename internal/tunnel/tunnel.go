// Package tunnel establishes the encrypted transport to the remote agent:
// an SSH connection chained through zero or more intermediate gateways,
// ending in a TCP dial to the agent port on the destination host.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
)

// Dialer opens the tunneled connection to the agent and releases every
// underlying resource on Close. Close must be idempotent.
type Dialer interface {
	Open(ctx context.Context) (net.Conn, error)
	Close() error
}

// Chain dials the destination through the configured gateway hops. Each hop
// is an SSH connection carried inside the previous one; the agent connection
// is a plain TCP stream inside the last hop.
type Chain struct {
	destination config.HostConfig
	gateways    []config.HostConfig
	agentPort   int
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	clients []*ssh.Client
	conn    net.Conn
	closed  bool
}

// NewChain creates a dialer for the configured relay chain.
func NewChain(cfg *config.Config, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Chain{
		destination: cfg.Destination,
		gateways:    cfg.Gateways,
		agentPort:   cfg.Tunnel.AgentPort,
		dialTimeout: cfg.Tunnel.DialTimeout,
		logger:      logger,
	}
}

// Open dials every hop in order and returns the agent connection. On any
// failure the hops opened so far are torn down before returning.
func (c *Chain) Open(ctx context.Context) (net.Conn, error) {
	hops := make([]config.HostConfig, 0, len(c.gateways)+1)
	hops = append(hops, c.gateways...)
	hops = append(hops, c.destination)

	var prev *ssh.Client
	for i, hop := range hops {
		client, err := c.dialHop(ctx, prev, hop)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("hop %d (%s): %w", i, hop.Addr(), err)
		}
		c.mu.Lock()
		c.clients = append(c.clients, client)
		c.mu.Unlock()
		c.logger.Info("tunnel hop established",
			logging.KeyGateway, hop.Addr(),
			"hop", i)
		prev = client
	}

	conn, err := prev.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", c.agentPort))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("agent dial on %s:%d: %w", c.destination.Host, c.agentPort, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("tunnel established",
		logging.KeyDestination, c.destination.Addr(),
		"agent_port", c.agentPort)
	return conn, nil
}

// dialHop opens one SSH hop, either directly or through the previous client.
func (c *Chain) dialHop(ctx context.Context, prev *ssh.Client, hop config.HostConfig) (*ssh.Client, error) {
	sshCfg, err := clientConfig(hop, c.dialTimeout)
	if err != nil {
		return nil, err
	}

	var raw net.Conn
	if prev == nil {
		d := net.Dialer{Timeout: c.dialTimeout}
		raw, err = d.DialContext(ctx, "tcp", hop.Addr())
	} else {
		raw, err = prev.DialContext(ctx, "tcp", hop.Addr())
	}
	if err != nil {
		return nil, err
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, hop.Addr(), sshCfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// clientConfig builds the per-hop SSH client configuration.
func clientConfig(hop config.HostConfig, timeout time.Duration) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(hop.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("identity file %s: %w", hop.IdentityFile, err)
	}

	return &ssh.ClientConfig{
		User:    hop.User,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: timeout,
		// Relay hosts are operator-provisioned; host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

// Close releases the agent connection and every hop, innermost first.
// Idempotent: only the first call does any work.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for i := len(c.clients) - 1; i >= 0; i-- {
		c.clients[i].Close()
	}
	c.clients = nil
	return nil
}
