// Package sshconn drives the SSH connection state machine for one
// accepted TCP socket: version exchange, key exchange and rekey,
// user-authentication, channel multiplexing, and the bidirectional pump
// between the SSH channel and a PTY-attached child process. One
// Connection is one logical worker; it holds no state shared with any
// other connection except the read-only host key.
package sshconn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisphq/whisp/internal/apps"
	"github.com/whisphq/whisp/internal/cipherstate"
	"github.com/whisphq/whisp/internal/hostkey"
	"github.com/whisphq/whisp/internal/kex"
	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/metrics"
	"github.com/whisphq/whisp/internal/pubkey"
	"github.com/whisphq/whisp/internal/sshchan"
)

// ServerVersion is the identification line the server sends first.
// Banners before it are not supported.
const ServerVersion = "SSH-2.0-Whisp_0.1.0"

// state is the connection's position in the handshake dialog. States
// after Connected are implicit in the channel map.
type state int

const (
	stateAwaitClientVersion state = iota
	stateAwaitKexInit
	stateAwaitKexDHInit
	stateAwaitNewKeys
	stateAwaitServiceRequest
	stateAwaitUserAuth
	stateConnected
)

// AuthRequest describes one userauth attempt, passed to an AuthPolicy
// hook.
type AuthRequest struct {
	Username   string
	Method     string
	RemoteAddr string
}

// AuthPolicy decides whether to accept password/keyboard-interactive
// authentication.
type AuthPolicy interface {
	Allow(req AuthRequest) bool
}

// AllowAll is the default AuthPolicy: accepts every password and
// keyboard-interactive attempt.
type AllowAll struct{}

// Allow always returns true.
func (AllowAll) Allow(AuthRequest) bool { return true }

// Config carries the tunables an embedding listener supplies per
// connection.
type Config struct {
	ConnectionID         string
	InactivityTimeout    time.Duration
	DefaultMaxPacketSize uint32
	MaxParseFailures     int
	MaxInputBuffer       int
	Apps                 *apps.Registry
	HostKey              *hostkey.Store
	AuthPolicy           AuthPolicy
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 60 * time.Second
	}
	if cfg.DefaultMaxPacketSize == 0 {
		cfg.DefaultMaxPacketSize = 1 << 20
	}
	if cfg.MaxParseFailures == 0 {
		cfg.MaxParseFailures = 4
	}
	if cfg.MaxInputBuffer == 0 {
		cfg.MaxInputBuffer = 1 << 20
	}
	if cfg.AuthPolicy == nil {
		cfg.AuthPolicy = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &cfg
}

// authState tracks the user-authentication dialog.
type authState struct {
	succeeded     bool
	triedNoneOnce bool
	lastMethod    string
	publicKey     *pubkey.Key
}

// Connection is one accepted TCP socket's SSH session.
type Connection struct {
	cfg  *Config
	conn net.Conn

	clientVersion string
	serverVersion string

	sessionID                   []byte // pinned to the first exchange hash forever
	cipher                      *cipherstate.CipherState
	kexCtx                      *kex.Context
	serverKexInit               *kex.KexInit
	pendingClientKexInitPayload []byte
	rekeyInFlight               bool
	kexInitSent                 bool // our KEXINIT for the current exchange is already out

	state state
	auth  authState

	requestedApp string
	username     string
	remoteAddr   string

	channelsMu  sync.Mutex
	channels    map[uint32]*sshchan.Channel
	nextLocalID uint32

	// writeMu serializes every wire write: the cipher's sequence counters
	// and nonce construction are not safe for concurrent use,
	// but PTY-output pumps and a channel's exit-status goroutine write
	// concurrently with the main read loop, so every call to writePacket
	// takes this lock.
	writeMu sync.Mutex

	maxPacketSize uint32
	parseFailures int

	inputBuf []byte

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos

	shuttingDown atomic.Bool

	logger *slog.Logger
}

// New wraps an accepted socket in a Connection ready to Run.
func New(conn net.Conn, cfg *Config) *Connection {
	cfg = cfg.withDefaults()
	remoteAddr := ""
	if conn.RemoteAddr() != nil {
		remoteAddr = conn.RemoteAddr().String()
	}

	c := &Connection{
		cfg:           cfg,
		conn:          conn,
		cipher:        cipherstate.New(),
		channels:      make(map[uint32]*sshchan.Channel),
		nextLocalID:   0,
		maxPacketSize: cfg.DefaultMaxPacketSize,
		connectedAt:   time.Now(),
		remoteAddr:    remoteAddr,
		logger:        cfg.Logger.With(logging.KeyComponent, "sshconn", logging.KeyConnectionID, cfg.ConnectionID),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// touch records activity for the idle watchdog.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Shutdown asks a running worker to drain and tear down on its next loop
// iteration.
func (c *Connection) Shutdown() {
	c.shuttingDown.Store(true)
}

// RequestRekey lets an embedder trigger a server-initiated rekey. The
// event loop never calls this itself; rekeying is otherwise left to the
// client to initiate.
func (c *Connection) RequestRekey(ctx context.Context) error {
	return c.sendKexInit()
}

func (c *Connection) disconnect(reasonCode uint32, message string) error {
	payload := disconnectPayload(reasonCode, message)
	_ = c.writePacket(msgDisconnect, payload)
	c.logger.Info("disconnecting", logging.KeyRemoteAddr, c.remoteAddr, "reason", message, logging.KeyDuration, time.Since(c.connectedAt))
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Disconnects.WithLabelValues(message).Inc()
	}
	return fmt.Errorf("sshconn: disconnect %d: %s", reasonCode, message)
}

// getChannel, putChannel, deleteChannel, and allChannels guard the
// channel map: the main read loop mutates it on open/close, while a
// channel's PTY-output pump and its exit-status goroutine look channels
// up concurrently through the Sink methods in sink.go.
func (c *Connection) getChannel(localID uint32) (*sshchan.Channel, bool) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	ch, ok := c.channels[localID]
	return ch, ok
}

func (c *Connection) putChannel(ch *sshchan.Channel) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	c.channels[ch.LocalID] = ch
}

func (c *Connection) deleteChannel(localID uint32) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	delete(c.channels, localID)
}

func (c *Connection) allChannels() []*sshchan.Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]*sshchan.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}
