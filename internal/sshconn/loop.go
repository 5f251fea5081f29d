package sshconn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/whisphq/whisp/internal/cipherstate"
	"github.com/whisphq/whisp/internal/sshchan"
	"github.com/whisphq/whisp/internal/sshpacket"
)

// watchdogInterval is the idle-check and reap cadence of the event loop.
const watchdogInterval = 30 * time.Millisecond

// sockEvent is one readiness event from the client socket, delivered by
// socketReader to the single goroutine running dispatch loop.
type sockEvent struct {
	data []byte
	err  error
}

// Run drives one accepted connection end to end: version exchange, key
// exchange, user authentication, and the channel-multiplexing loop,
// until the peer disconnects, a fatal protocol error occurs, the
// inactivity deadline fires, or Shutdown is called. The socket is read
// on its own goroutine and funnels through the single select loop below,
// so packet dispatch, and with it decryption, only ever runs on this one
// goroutine. Each channel's PTY output is pumped by its own goroutine,
// which sends CHANNEL_DATA directly through writePacket; writeMu
// serializes those writes with the loop's own.
func (c *Connection) Run() error {
	defer c.teardown()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConnectionsActive.Inc()
		c.cfg.Metrics.ConnectionsTotal.Inc()
	}

	if err := c.readVersionLine(); err != nil {
		return err
	}

	events := make(chan sockEvent, 16)
	go c.socketReader(events)

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case ev := <-events:
			if ev.err != nil {
				if errors.Is(ev.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("sshconn: read client socket: %w", ev.err)
			}
			c.touch()
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.BytesFromClient.Add(float64(len(ev.data)))
			}
			c.inputBuf = append(c.inputBuf, ev.data...)
			if len(c.inputBuf) > c.cfg.MaxInputBuffer {
				return c.disconnect(sshpacket.DisconnectProtocolError, "input buffer overflow")
			}
			if err := c.drainInputBuffer(); err != nil {
				return err
			}

		case <-watchdog.C:
			c.reapClosedChannels()
			if c.shuttingDown.Load() {
				return c.disconnect(sshpacket.DisconnectByApplication, "server is shutting down")
			}
			if c.idleFor() > c.cfg.InactivityTimeout {
				return c.disconnect(sshpacket.DisconnectByApplication, "Connection inactive for too long")
			}
		}
	}
}

// socketReader copies bytes from the client socket into events until a
// read error (including a clean close) ends the connection. It never
// touches connection state directly so it never races the dispatch loop.
func (c *Connection) socketReader(events chan<- sockEvent) {
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			events <- sockEvent{data: cp}
		}
		if err != nil {
			events <- sockEvent{err: err}
			return
		}
	}
}

// drainInputBuffer decodes and dispatches every complete packet at the
// front of the input buffer, in order; the next packet is not parsed
// until the current one has been fully handled. A framing error
// advances the buffer by one byte and counts toward MaxParseFailures.
func (c *Connection) drainInputBuffer() error {
	for {
		pkt, consumed, fatal, err := c.decodeNext()
		if err != nil {
			if fatal {
				return c.disconnect(sshpacket.DisconnectKeyExchangeFailed, err.Error())
			}
			if consumed == 0 {
				// Not enough bytes yet for even a length field.
				return nil
			}
			c.parseFailures++
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ParseFailures.Inc()
			}
			if c.parseFailures > c.cfg.MaxParseFailures {
				return c.disconnect(sshpacket.DisconnectProtocolError, "too many parse failures")
			}
			c.inputBuf = c.inputBuf[1:]
			continue
		}
		if pkt == nil {
			// Need more bytes for a complete packet.
			return nil
		}
		c.parseFailures = 0
		c.inputBuf = c.inputBuf[consumed:]

		if err := c.dispatch(pkt); err != nil {
			return err
		}
	}
}

// decodeNext parses one packet from the front of c.inputBuf, either in
// the clear (before NEWKEYS) or through the active cipher. fatal
// distinguishes a crypto failure (connection must die immediately) from
// an ordinary framing error (tolerated up to MaxParseFailures). A nil
// packet with a nil error means "need more bytes."
func (c *Connection) decodeNext() (pkt *sshpacket.Packet, consumed int, fatal bool, err error) {
	if c.cipher.EncryptionActive() {
		pkt, consumed, need, decErr := c.cipher.DecryptNext(c.inputBuf, c.maxPacketSize)
		if decErr != nil {
			return nil, consumed, need == cipherstate.NeedFatal, decErr
		}
		if need == cipherstate.NeedMore {
			return nil, 0, false, nil
		}
		return pkt, consumed, false, nil
	}

	pkt, consumed, err = sshpacket.Unframe(c.inputBuf, c.maxPacketSize)
	if err != nil {
		if errors.Is(err, sshpacket.ErrShortBuffer) {
			return nil, 0, false, nil
		}
		return nil, 1, false, err
	}
	return pkt, consumed, false, nil
}

// dispatch routes one decoded packet to its handler according to the
// connection's current state. Packets
// legal only in later states arriving early, or vice versa, are
// reported as framing errors rather than panicking.
func (c *Connection) dispatch(pkt *sshpacket.Packet) error {
	if pkt.Type == msgDisconnect {
		return errors.New("sshconn: client disconnected")
	}
	if pkt.Type == msgIgnore || pkt.Type == msgUnimplemented {
		return nil
	}

	if pkt.Type == msgKexInit {
		return c.handleKexInit(pkt)
	}

	switch c.state {
	case stateAwaitKexDHInit:
		if pkt.Type != msgKexDHInit {
			return fmt.Errorf("sshconn: expected KEXDH_INIT, got type %d", pkt.Type)
		}
		return c.handleKexDHInit(pkt)

	case stateAwaitNewKeys:
		if pkt.Type != msgNewKeys {
			return fmt.Errorf("sshconn: expected NEWKEYS, got type %d", pkt.Type)
		}
		return c.handleNewKeys(pkt)

	case stateAwaitServiceRequest:
		if pkt.Type != msgServiceRequest {
			return fmt.Errorf("sshconn: expected SERVICE_REQUEST, got type %d", pkt.Type)
		}
		return c.handleServiceRequest(pkt)

	case stateAwaitUserAuth:
		if pkt.Type != msgUserauthRequest {
			return fmt.Errorf("sshconn: expected USERAUTH_REQUEST, got type %d", pkt.Type)
		}
		return c.handleUserauthRequest(pkt)

	case stateConnected:
		return c.dispatchConnected(pkt)

	default:
		return fmt.Errorf("sshconn: unexpected packet type %d in state %d", pkt.Type, c.state)
	}
}

// dispatchConnected handles every message legal once authenticated,
// including the NEWKEYS arriving as the second half of a mid-session
// rekey triggered above in dispatch.
func (c *Connection) dispatchConnected(pkt *sshpacket.Packet) error {
	switch pkt.Type {
	case msgNewKeys:
		return c.handleNewKeys(pkt)
	case msgKexDHInit:
		if !c.rekeyInFlight {
			return fmt.Errorf("sshconn: unexpected KEXDH_INIT outside rekey")
		}
		return c.handleKexDHInit(pkt)
	case msgChannelOpen:
		return c.handleChannelOpen(pkt)
	case msgChannelRequest:
		return c.handleChannelRequest(pkt)
	case msgChannelData:
		return c.handleChannelData(pkt)
	case msgChannelEOF:
		return c.handleChannelEOFMsg(pkt)
	case msgChannelClose:
		return c.handleChannelCloseMsg(pkt)
	case msgChannelWindowAdjust:
		// Accepted but not enforced; outbound data is chunked instead.
		return nil
	case msgGlobalRequest:
		return c.handleGlobalRequest(pkt)
	default:
		return nil
	}
}

func (c *Connection) handleChannelData(pkt *sshpacket.Packet) error {
	localID, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read channel data recipient: %w", err)
	}
	data, err := pkt.ReadString()
	if err != nil {
		return fmt.Errorf("sshconn: read channel data payload: %w", err)
	}

	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}

	if icrnlEnabled(ch) && len(data) == 1 && data[0] == '\r' {
		data = []byte{'\n'}
	}

	if err := ch.WriteToPTY(data); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ChannelErrors.WithLabelValues("pty_write_failed").Inc()
		}
		return nil
	}
	return nil
}

// icrnlEnabled reports whether the channel's pty-req terminal modes set
// ICRNL, which makes the dispatcher rewrite a lone CR to NL.
func icrnlEnabled(ch *sshchan.Channel) bool {
	term := ch.Terminal()
	if term == nil {
		return false
	}
	const ttyOpICRNL = 36
	for _, m := range term.Modes {
		if m.Opcode == ttyOpICRNL {
			return m.Value != 0
		}
	}
	return false
}

func (c *Connection) handleChannelEOFMsg(pkt *sshpacket.Packet) error {
	localID, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read channel eof recipient: %w", err)
	}
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	ch.MarkInputClosed()
	return c.SendChannelEOF(localID)
}

func (c *Connection) handleChannelCloseMsg(pkt *sshpacket.Packet) error {
	localID, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read channel close recipient: %w", err)
	}
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	ch.Close()
	return nil
}

func (c *Connection) handleGlobalRequest(pkt *sshpacket.Packet) error {
	_, _ = pkt.ReadCString() // request name, unused: no global requests are supported
	wantReply, err := pkt.ReadBool()
	if err != nil {
		return fmt.Errorf("sshconn: read global request want_reply: %w", err)
	}
	if !wantReply {
		return nil
	}
	const msgRequestFailure = 82
	return c.writePacket(msgRequestFailure, nil)
}

// reapClosedChannels removes fully closed channels from the map, freeing
// their slot for reuse by later CHANNEL_OPEN requests.
func (c *Connection) reapClosedChannels() {
	for _, ch := range c.allChannels() {
		if ch.Closed() {
			c.deleteChannel(ch.LocalID)
		}
	}
}

// pumpChannelOutput copies the channel's PTY master output to the
// client as CHANNEL_DATA until the PTY is closed (app exited) or the
// send fails. Runs in its own goroutine per channel; writePacket's
// internal mutex keeps this safe alongside the main dispatch loop.
func (c *Connection) pumpChannelOutput(ch *sshchan.Channel) {
	buf := make([]byte, 8192)
	for {
		p := ch.PTY()
		if p == nil {
			return
		}
		n, err := p.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := c.SendChannelData(ch.LocalID, data); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// teardown runs once when Run returns on any exit path, releasing every
// channel's PTY and child process.
func (c *Connection) teardown() {
	for _, ch := range c.allChannels() {
		ch.Close()
	}
	_ = c.conn.Close()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConnectionsActive.Dec()
	}
}
