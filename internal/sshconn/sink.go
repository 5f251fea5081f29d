package sshconn

import (
	"fmt"

	"github.com/whisphq/whisp/internal/sshpacket"
)

// Connection implements sshchan.Sink so a Channel can post outbound SSH
// messages without holding a concrete back-reference to its owner.
// Every method
// here goes through writePacket, which is mutex-protected, so these are
// safe to call from a channel's PTY-output pump or exit-status goroutine
// concurrently with the main dispatch loop.

// SendChannelData chunks data to maxPacketSize-1024 bytes per message.
func (c *Connection) SendChannelData(localID uint32, data []byte) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return fmt.Errorf("sshconn: send data: unknown channel %d", localID)
	}

	chunk := int(c.maxPacketSize) - 1024
	if chunk <= 0 {
		chunk = 32 * 1024
	}

	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		if err := c.writePacket(msgChannelData, channelDataPayload(ch.RemoteID, data[:n])); err != nil {
			return err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.BytesToClient.Add(float64(n))
		}
		data = data[n:]
	}
	return nil
}

// SendChannelEOF echoes CHANNEL_EOF to the recipient channel.
func (c *Connection) SendChannelEOF(localID uint32) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	return c.writePacket(msgChannelEOF, sshpacket.WriteUint32(nil, ch.RemoteID))
}

// SendChannelClose sends CHANNEL_CLOSE. The caller (sshchan.Channel) is
// responsible for sending it at most once per channel; this method has
// no close-tracking of its own.
func (c *Connection) SendChannelClose(localID uint32) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ChannelsActive.Dec()
	}
	return c.writePacket(msgChannelClose, sshpacket.WriteUint32(nil, ch.RemoteID))
}

// SendChannelExitStatus sends a CHANNEL_REQUEST of type "exit-status"
// carrying the child's exit code (RFC 4254 §6.10).
func (c *Connection) SendChannelExitStatus(localID uint32, code uint32) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	buf := sshpacket.WriteUint32(nil, ch.RemoteID)
	buf = sshpacket.WriteCString(buf, "exit-status")
	buf = sshpacket.WriteBool(buf, false)
	buf = sshpacket.WriteUint32(buf, code)
	return c.writePacket(msgChannelRequest, buf)
}

// SendChannelSuccess answers a channel request with CHANNEL_SUCCESS.
func (c *Connection) SendChannelSuccess(localID uint32) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	return c.writePacket(msgChannelSuccess, sshpacket.WriteUint32(nil, ch.RemoteID))
}

// SendChannelFailure answers a channel request with CHANNEL_FAILURE.
func (c *Connection) SendChannelFailure(localID uint32) error {
	ch, ok := c.getChannel(localID)
	if !ok {
		return nil
	}
	return c.writePacket(msgChannelFailure, sshpacket.WriteUint32(nil, ch.RemoteID))
}
