// Package sshchan implements one SSH channel's state: its PTY, spawned
// app process, pending environment, and the input/output half-close
// bookkeeping. A Channel never writes to the socket directly; it holds a
// back-reference only through the Sink interface, so there is no hard
// Connection<->Channel cycle.
package sshchan

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/pty"
)

// killGrace is how long a terminated app gets to exit on SIGTERM before
// SIGKILL.
const killGrace = 3 * time.Second

// Sink is implemented by the owning Connection so a Channel can post
// outbound SSH messages without holding a concrete *Connection.
type Sink interface {
	SendChannelData(localID uint32, data []byte) error
	SendChannelEOF(localID uint32) error
	SendChannelClose(localID uint32) error
	SendChannelExitStatus(localID uint32, code uint32) error
	SendChannelSuccess(localID uint32) error
	SendChannelFailure(localID uint32) error
}

// Channel is one SSH channel. Only the "session" type is supported.
type Channel struct {
	LocalID       uint32
	RemoteID      uint32
	WindowSize    uint32
	MaxPacketSize uint32
	ChannelType   string

	mu           sync.Mutex
	terminal     *pty.TerminalInfo
	ptyHandle    *pty.Pty
	slave        *os.File // open slave end, held between CreatePTY and Start
	env          map[string]string
	cmd          *exec.Cmd
	appName      string
	inputClosed  bool
	outputClosed bool
	closeSent    bool

	sink   Sink
	logger *slog.Logger
}

// New creates a channel in the open state with no PTY or command yet.
func New(localID, remoteID, window, maxPacket uint32, sink Sink, logger *slog.Logger) *Channel {
	return &Channel{
		LocalID:       localID,
		RemoteID:      remoteID,
		WindowSize:    window,
		MaxPacketSize: maxPacket,
		ChannelType:   "session",
		env:           make(map[string]string),
		sink:          sink,
		logger:        logger,
	}
}

// SetTerminal stores the pty-req parameters, to be applied when the PTY
// is created.
func (c *Channel) SetTerminal(info *pty.TerminalInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal = info
}

// Terminal returns the stored terminal info, or nil if no pty-req was
// honored.
func (c *Channel) Terminal() *pty.TerminalInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// SetEnv accumulates one environment variable; env accumulates only
// until the command starts.
func (c *Channel) SetEnv(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env[name] = value
}

// HasPTY reports whether a PTY has been created for this channel.
func (c *Channel) HasPTY() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptyHandle != nil
}

// CreatePTY opens the master/slave pair immediately, so a pty-req is
// acknowledged with CHANNEL_SUCCESS only if the OS actually granted a
// terminal. A failure here is non-fatal to the connection: the caller
// answers CHANNEL_FAILURE to the request. The open pair is held until
// shell/exec attaches a process to it. Calling it again once a pair is
// open is a no-op.
func (c *Channel) CreatePTY() error {
	c.mu.Lock()
	if c.terminal == nil {
		c.terminal = &pty.TerminalInfo{Cols: 80, Rows: 24}
	}
	terminal := c.terminal
	alreadyOpen := c.ptyHandle != nil
	c.mu.Unlock()

	if alreadyOpen {
		return nil
	}

	p, slave, err := pty.Open(terminal)
	if err != nil {
		return fmt.Errorf("sshchan: open pty: %w", err)
	}

	c.mu.Lock()
	c.ptyHandle = p
	c.slave = slave
	c.mu.Unlock()
	return nil
}

// Start spawns the app command on the channel's PTY, opening one first
// if no pty-req preceded the shell/exec request. finalizeEnv is called
// with the PTY's slave device path before the command starts, so the
// caller can set cmd.Env (the WHISP_* environment table, including
// WHISP_TTY) with the path known.
func (c *Channel) Start(cmd *exec.Cmd, appName string, finalizeEnv func(slavePath string)) error {
	c.mu.Lock()
	c.cmd = cmd
	c.appName = appName
	c.mu.Unlock()

	if err := c.CreatePTY(); err != nil {
		return fmt.Errorf("sshchan: start app %q: %w", appName, err)
	}

	c.mu.Lock()
	p := c.ptyHandle
	slave := c.slave
	c.slave = nil // Attach closes it, whether or not the start succeeds
	c.mu.Unlock()

	if slave == nil {
		return fmt.Errorf("sshchan: channel %d already has a running app", c.LocalID)
	}

	if finalizeEnv != nil {
		finalizeEnv(p.SlavePath())
	}

	if err := p.Attach(cmd, slave); err != nil {
		return fmt.Errorf("sshchan: start app %q: %w", appName, err)
	}

	go c.waitForExit()
	return nil
}

// PTY returns the channel's pty handle, or nil if none has been opened
// yet (used by the Connection event loop to add the master fd to its
// readiness set).
func (c *Channel) PTY() *pty.Pty {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptyHandle
}

// WriteToPTY forwards CHANNEL_DATA payload bytes to the child's stdin.
func (c *Channel) WriteToPTY(data []byte) error {
	p := c.PTY()
	if p == nil {
		return fmt.Errorf("sshchan: channel %d has no pty", c.LocalID)
	}
	_, err := p.Write(data)
	return err
}

// Resize applies a window-change to the PTY.
func (c *Channel) Resize(cols, rows, widthPx, heightPx uint32) error {
	p := c.PTY()
	if p == nil {
		return fmt.Errorf("sshchan: channel %d has no pty", c.LocalID)
	}
	return p.Resize(cols, rows, widthPx, heightPx)
}

// MarkInputClosed records a CHANNEL_EOF from the client and injects EOT
// (0x04) into the PTY so line-buffered readers see end-of-input.
func (c *Channel) MarkInputClosed() {
	c.mu.Lock()
	c.inputClosed = true
	c.mu.Unlock()

	if p := c.PTY(); p != nil {
		_, _ = p.Write([]byte{0x04})
	}
}

// waitForExit blocks for the child process to exit, reports its exit
// status, and closes the channel. Runs once per Channel.
func (c *Channel) waitForExit() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()
	code := uint32(0)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = uint32(exitErr.ExitCode())
		} else {
			code = 1
		}
	}

	if c.sink != nil {
		if sendErr := c.sink.SendChannelExitStatus(c.LocalID, code); sendErr != nil && c.logger != nil {
			c.logger.Warn("send exit-status failed", logging.KeyChannelID, c.LocalID, logging.KeyError, sendErr)
		}
	}
	c.Close()
}

// Closed reports whether both halves have closed; a channel is closed
// only when both flags are set.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputClosed && c.outputClosed
}

// Close releases the PTY and sends CHANNEL_CLOSE exactly once.
func (c *Channel) Close() {
	c.mu.Lock()
	c.inputClosed = true
	c.outputClosed = true
	alreadySent := c.closeSent
	c.closeSent = true
	p := c.ptyHandle
	slave := c.slave
	c.slave = nil
	cmd := c.cmd
	c.mu.Unlock()

	if slave != nil {
		_ = slave.Close()
	}
	if p != nil {
		_ = p.Close()
	}
	if cmd != nil && cmd.Process != nil {
		// SIGTERM first; SIGKILL after a grace window if the app ignores it.
		// waitForExit reaps whichever signal lands.
		proc := cmd.Process
		_ = proc.Signal(syscall.SIGTERM)
		go func() {
			time.Sleep(killGrace)
			_ = proc.Kill()
		}()
	}

	if !alreadySent && c.sink != nil {
		if err := c.sink.SendChannelClose(c.LocalID); err != nil && c.logger != nil {
			c.logger.Warn("send channel-close failed", logging.KeyChannelID, c.LocalID, logging.KeyError, err)
		}
	}
}
