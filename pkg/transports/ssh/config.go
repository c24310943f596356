package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to the target.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when key auth names no key file.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes the node converge connects to. The same shape describes
// an optional jump host.
type Config struct {
	Host       string     `yaml:"host" validate:"required"`
	Port       int        `yaml:"port" validate:"min=1,max=65535"`
	User       string     `yaml:"user" validate:"required"`
	AuthMethod AuthMethod `yaml:"auth" validate:"oneof=password key agent"`

	Password             string `yaml:"password"`
	PrivateKeyPath       string `yaml:"private_key"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	// KnownHostsPath is consulted only with StrictHostKeyChecking.
	KnownHostsPath        string `yaml:"known_hosts"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds commands that carry no timeout of their own.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// KeepAliveInterval of zero disables keep-alive requests.
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	MaxKeepAliveRetries int           `yaml:"keepalive_retries"`

	// Sudo routes file writes through sudo.
	Sudo         bool   `yaml:"sudo"`
	SudoPassword string `yaml:"sudo_password"`

	// Jump is a bastion the target is reached through. Unset fields
	// inherit timeouts and host key settings from the target.
	Jump *Config `yaml:"jump,omitempty" validate:"-"`
}

// DefaultConfig returns key-authenticated settings for user@host:22 with
// strict host key checking against ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(sshDir(), "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		MaxKeepAliveRetries:   3,
	}
}

func sshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".ssh")
}

// Validate checks the settings and resolves a default key file for key
// auth when none is named.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.CommandTimeout <= 0:
		return errors.New("command timeout must be positive")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.Jump != nil {
		if err := c.jumpConfig().Validate(); err != nil {
			return fmt.Errorf("jump host %s: %w", c.Jump.Host, err)
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password auth")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("key auth needs private_key; none of %v found in %s", defaultKeys, sshDir())
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent auth requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	for _, name := range defaultKeys {
		p := filepath.Join(sshDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ClientConfig builds the x/crypto client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Servers that disable "password" usually still prompt through
		// keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		signer, err := c.signer()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
}

func (c *Config) signer() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pem)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address is host:port of the target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// jumpConfig fills the jump host's unset fields from the target.
func (c *Config) jumpConfig() *Config {
	j := *c.Jump
	j.Jump = nil
	if j.Port == 0 {
		j.Port = 22
	}
	if j.User == "" {
		j.User = c.User
	}
	if j.AuthMethod == "" {
		j.AuthMethod = c.AuthMethod
		j.Password = c.Password
		j.PrivateKeyPath = c.PrivateKeyPath
		j.PrivateKeyPassphrase = c.PrivateKeyPassphrase
	}
	if j.ConnectionTimeout == 0 {
		j.ConnectionTimeout = c.ConnectionTimeout
	}
	if j.CommandTimeout == 0 {
		j.CommandTimeout = c.CommandTimeout
	}
	if j.KnownHostsPath == "" {
		j.KnownHostsPath = c.KnownHostsPath
		j.StrictHostKeyChecking = c.StrictHostKeyChecking
	}
	return &j
}
