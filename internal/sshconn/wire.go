package sshconn

import (
	"github.com/whisphq/whisp/internal/sshpacket"
)

const (
	msgDisconnect              = sshpacket.MsgDisconnect
	msgIgnore                  = sshpacket.MsgIgnore
	msgUnimplemented           = sshpacket.MsgUnimplemented
	msgServiceRequest          = sshpacket.MsgServiceRequest
	msgServiceAccept           = sshpacket.MsgServiceAccept
	msgExtInfo                 = sshpacket.MsgExtInfo
	msgGlobalRequest           = sshpacket.MsgGlobalRequest
	msgKexInit                 = sshpacket.MsgKexInit
	msgNewKeys                 = sshpacket.MsgNewKeys
	msgKexDHInit               = sshpacket.MsgKexDHInit
	msgKexDHReply              = sshpacket.MsgKexDHReply
	msgUserauthRequest         = sshpacket.MsgUserauthRequest
	msgUserauthFailure         = sshpacket.MsgUserauthFailure
	msgUserauthSuccess         = sshpacket.MsgUserauthSuccess
	msgUserauthPKOK            = sshpacket.MsgUserauthPKOK
	msgChannelOpen             = sshpacket.MsgChannelOpen
	msgChannelOpenConfirmation = sshpacket.MsgChannelOpenConfirmation
	msgChannelOpenFailure      = sshpacket.MsgChannelOpenFailure
	msgChannelWindowAdjust     = sshpacket.MsgChannelWindowAdjust
	msgChannelData             = sshpacket.MsgChannelData
	msgChannelEOF              = sshpacket.MsgChannelEOF
	msgChannelClose            = sshpacket.MsgChannelClose
	msgChannelRequest          = sshpacket.MsgChannelRequest
	msgChannelSuccess          = sshpacket.MsgChannelSuccess
	msgChannelFailure          = sshpacket.MsgChannelFailure
)

// writePacket sends one message, framing it in the clear or through the
// active cipher depending on connection state. Locked because the
// cipher's sequence counters are not safe for concurrent use and more
// than one goroutine can reach here: the main dispatch
// loop, a channel's PTY-output pump, and its exit-status notifier.
func (c *Connection) writePacket(msgType byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var wire []byte
	var err error

	if c.cipher.EncryptionActive() {
		wire, err = c.cipher.Encrypt(msgType, payload)
	} else {
		wire, err = sshpacket.Frame(msgType, payload)
	}
	if err != nil {
		return err
	}

	_, err = c.conn.Write(wire)
	return err
}

// disconnectPayload builds a DISCONNECT message body: reason code,
// description, language tag.
func disconnectPayload(reasonCode uint32, message string) []byte {
	buf := sshpacket.WriteUint32(nil, reasonCode)
	buf = sshpacket.WriteCString(buf, message)
	buf = sshpacket.WriteCString(buf, "en")
	return buf
}
