// Package ssh implements a transport that converges a remote node over SSH,
// running commands in sessions and moving files over SFTP.
package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/transports"
)

// Client is an SSH transport. It holds one connection and one lazily opened
// SFTP session, both safe for concurrent use.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	connectedAt time.Time
	done        chan struct{}

	sftpMu sync.Mutex
	sftp   *sftp.Client
}

var _ transports.Transport = (*Client)(nil)

// NewClient validates the configuration and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements transports.Transport.
func (c *Client) Name() string {
	return fmt.Sprintf("ssh://%s@%s", c.config.User, c.config.Address())
}

// Connect establishes the SSH connection. Calling it on a live connection
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := healthCheck(c.client); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.ClientConfig()
	if err != nil {
		return &transports.Error{Op: "connect", Err: err, Auth: true}
	}

	if c.config.Jump != nil {
		err = c.connectViaJump(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.done = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.done)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return &transports.Error{Op: "connect", Err: err, Temporary: true}
	}
	c.client = client

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaJump(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	jump := c.config.jumpConfig()
	jumpClientConfig, err := jump.ClientConfig()
	if err != nil {
		return &transports.Error{Op: "connect-jump", Err: fmt.Errorf("jump host %s: %w", jump.Host, err), Auth: true}
	}

	log.Debug().Str("jump", jump.Address()).Msg("connecting to jump host")
	jumpClient, err := dialContext(ctx, jump.Address(), jumpClientConfig)
	if err != nil {
		return &transports.Error{Op: "connect-jump", Err: err, Temporary: true}
	}

	target := c.config.Address()
	conn, err := jumpClient.Dial("tcp", target)
	if err != nil {
		_ = jumpClient.Close()
		return &transports.Error{Op: "connect-via-jump", Err: err, Temporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, target, targetConfig)
	if err != nil {
		_ = conn.Close()
		_ = jumpClient.Close()
		return &transports.Error{Op: "connect-via-jump", Err: err, Auth: true}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.jump = jumpClient

	log.Info().Str("target", target).Str("jump", jump.Address()).Msg("SSH connection established via jump host")
	return nil
}

// dialContext dials in a goroutine so a cancelled context abandons the
// attempt without waiting for the TCP timeout.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Close implements transports.Transport.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	c.sftpMu.Lock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	c.sftpMu.Unlock()

	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	if err != nil {
		return &transports.Error{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectedAt
}

// HealthCheck verifies the connection is alive by running true.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.sshClient()
	if err != nil {
		return err
	}
	return healthCheck(client)
}

func healthCheck(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return &transports.Error{Op: "healthcheck", Err: err, Temporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &transports.Error{Op: "healthcheck", Err: err, Temporary: true}
	}
	return nil
}

func (c *Client) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.client == nil {
		return nil, &transports.Error{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &transports.Error{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), Temporary: true}
	}
	c.sftp = sc
	return sc, nil
}
