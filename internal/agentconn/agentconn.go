// Package agentconn talks to a running ssh-agent over its unix socket.
//
// It wraps the x/crypto agent client with the two requests a signer needs:
// listing identities and asking for a signature. The signature is returned
// as the raw blob from SSH_AGENT_SIGN_RESPONSE so callers can decode it
// themselves.
//
// A connection that cannot be established, or that breaks mid-request, moves
// to StateDisabled and stays there until Enable is called. Callers treat a
// disabled agent as "no agent identities", not as an error.
package agentconn

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 10 * time.Second
)

var (
	// ErrAgentUnavailable is returned when no agent connection can be used.
	ErrAgentUnavailable = errors.New("ssh agent unavailable")
	// ErrAgentFailure is returned when the agent refuses a request.
	ErrAgentFailure = errors.New("ssh agent refused request")
)

// Config controls how the agent is reached.
type Config struct {
	// SocketPath is the agent's unix socket, usually $SSH_AUTH_SOCK.
	SocketPath  string
	DialTimeout time.Duration
	// IOTimeout bounds each request/response round trip.
	IOTimeout time.Duration
}

// Conn is a lazily dialed agent connection. It is safe for concurrent use;
// requests are serialized.
type Conn struct {
	mu     sync.Mutex
	cfg    Config
	conn   *trackedConn
	client agent.ExtendedAgent
	state  State
	dialFn func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// trackedConn remembers the last read or write error so a refusal from the
// agent can be told apart from a broken socket.
type trackedConn struct {
	net.Conn
	err error
}

func (t *trackedConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func (t *trackedConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// New returns an idle connection for cfg. Nothing is dialed until
// EnsureConnected.
func New(cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}
	return &Conn{cfg: cfg, dialFn: net.DialTimeout}
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureConnected dials the agent if the connection is idle and reports
// whether it is usable. Dial failures disable the connection.
func (c *Conn) EnsureConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected:
		return true
	case StateDisabled:
		return false
	}

	if c.cfg.SocketPath == "" {
		c.disableLocked("no agent socket configured")
		return false
	}
	conn, err := c.dialFn("unix", c.cfg.SocketPath, c.cfg.DialTimeout)
	if err != nil {
		c.disableLocked(fmt.Sprintf("dial %s: %v", logutil.SanitizeForLog(c.cfg.SocketPath), err))
		return false
	}
	c.conn = &trackedConn{Conn: conn}
	c.client = agent.NewClient(c.conn)
	c.state = StateConnected
	log.Printf("[agent] connected to %s", logutil.SanitizeForLog(c.cfg.SocketPath))
	return true
}

// Enable moves a disabled connection back to idle so the next
// EnsureConnected dials again.
func (c *Conn) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisabled {
		c.state = StateIdle
	}
}

// Disable closes the connection and keeps it disabled until Enable.
func (c *Conn) Disable(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked(reason)
}

func (c *Conn) disableLocked(reason string) {
	c.dropLocked()
	if c.state != StateDisabled {
		log.Printf("[agent] disabled: %s", reason)
	}
	c.state = StateDisabled
}

func (c *Conn) dropLocked() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.conn = nil
	c.client = nil
	return err
}

// Close tears down the connection. A later EnsureConnected dials again
// unless the connection was disabled.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.dropLocked()
	if c.state == StateConnected {
		c.state = StateIdle
	}
	return err
}

// Identities lists the keys the agent holds, in the agent's order.
func (c *Conn) Identities() ([]*agent.Key, error) {
	var keys []*agent.Key
	err := c.do(func(a agent.ExtendedAgent) error {
		var err error
		keys, err = a.List()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("request identities: %w", err)
	}
	return keys, nil
}

// RequestSignature asks the agent to sign data with key using the key's
// default algorithm and returns the raw signature blob.
func (c *Conn) RequestSignature(key ssh.PublicKey, data []byte) ([]byte, error) {
	var sig *ssh.Signature
	err := c.do(func(a agent.ExtendedAgent) error {
		var err error
		sig, err = a.SignWithFlags(key, data, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return ssh.Marshal(sig), nil
}

// do runs one request under the I/O deadline. A socket error disables the
// connection; any other error means the agent refused.
func (c *Conn) do(req func(agent.ExtendedAgent) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.client == nil {
		return ErrAgentUnavailable
	}

	conn := c.conn
	conn.err = nil
	if err := conn.SetDeadline(time.Now().Add(c.cfg.IOTimeout)); err != nil {
		c.disableLocked(fmt.Sprintf("set deadline: %v", err))
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	err := req(c.client)
	if conn.err != nil {
		c.disableLocked(fmt.Sprintf("i/o error: %v", conn.err))
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, conn.err)
	}
	conn.SetDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgentFailure, err)
	}
	return nil
}
