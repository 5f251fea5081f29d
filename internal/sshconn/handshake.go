package sshconn

import (
	"fmt"
	"strings"
	"time"

	"github.com/whisphq/whisp/internal/kex"
	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/sshpacket"
)

// readVersionLine blocks for the client's "SSH-2.0-...\r\n" identification
// line and sends the server's own line immediately after (RFC 4253
// §4.2). Bytes are read one at a time so nothing past the line
// terminator is consumed from the socket; everything after NEWKEYS is
// framed, so over-reading here would strand undecrypted bytes outside
// the connection's own input buffer.
func (c *Connection) readVersionLine() error {
	var line []byte
	var b [1]byte
	for {
		n, err := c.conn.Read(b[:])
		if n > 0 {
			line = append(line, b[0])
			if b[0] == '\n' {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("sshconn: read client version: %w", err)
		}
		if len(line) > 1024 {
			return fmt.Errorf("sshconn: client version line too long")
		}
	}
	c.clientVersion = strings.TrimRight(string(line), "\r\n")
	c.serverVersion = ServerVersion

	if _, err := c.conn.Write([]byte(c.serverVersion + "\r\n")); err != nil {
		return fmt.Errorf("sshconn: send server version: %w", err)
	}

	c.state = stateAwaitKexInit
	return nil
}

func (c *Connection) sendKexInit() error {
	ki, err := kex.BuildServerKexInit()
	if err != nil {
		return err
	}
	c.serverKexInit = ki
	if err := c.writePacket(msgKexInit, ki.Payload()); err != nil {
		return err
	}
	c.kexInitSent = true
	if c.cipher.HasCompletedInitialKex() {
		c.rekeyInFlight = true
		c.state = stateConnected // rekey: stay connected while renegotiating
	} else {
		c.state = stateAwaitKexDHInit
	}
	return nil
}

func (c *Connection) handleKexInit(pkt *sshpacket.Packet) error {
	c.pendingClientKexInitPayload = pkt.Payload
	if c.cipher.HasCompletedInitialKex() {
		c.rekeyInFlight = true
	}
	if c.kexInitSent {
		// A server-initiated rekey already put our KEXINIT on the wire;
		// this is the client's answer, not a new negotiation.
		if !c.cipher.HasCompletedInitialKex() {
			c.state = stateAwaitKexDHInit
		}
		return nil
	}
	return c.sendKexInit()
}

func (c *Connection) handleKexDHInit(pkt *sshpacket.Packet) error {
	started := time.Now()
	clientKexInitPkt := sshpacket.NewPacket(sshpacket.MsgKexInit, c.pendingClientKexInitPayload)
	ctx, reply, err := kex.Run(clientKexInitPkt, c.clientVersion, c.serverVersion, c.serverKexInit, pkt, c.cfg.HostKey)
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.KexFailures.Inc()
		}
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.KexLatency.Observe(time.Since(started).Seconds())
	}
	c.kexCtx = ctx

	if c.sessionID == nil {
		c.sessionID = ctx.ExchangeHash
	}

	if c.cipher.HasCompletedInitialKex() {
		if err := c.cipher.PrepareRekey(ctx.SharedSecret, ctx.ExchangeHash, c.sessionID); err != nil {
			return err
		}
	} else {
		if err := c.cipher.InstallInitialKeys(ctx.SharedSecret, ctx.ExchangeHash, c.sessionID); err != nil {
			return err
		}
	}

	if err := c.writePacket(msgKexDHReply, reply.Payload()); err != nil {
		return err
	}

	if err := c.writePacket(msgNewKeys, nil); err != nil {
		return err
	}
	c.kexInitSent = false

	if c.cipher.HasCompletedInitialKex() {
		c.state = stateConnected
	} else {
		c.state = stateAwaitNewKeys
	}
	return nil
}

func (c *Connection) handleNewKeys(pkt *sshpacket.Packet) error {
	c.kexCtx = nil
	if c.cipher.RekeyInProgress() {
		c.writeMu.Lock()
		c.cipher.SwapRekey()
		c.writeMu.Unlock()
		c.rekeyInFlight = false
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RekeysTotal.Inc()
			c.cfg.Metrics.KexTotal.Inc()
		}
		return nil
	}

	c.cipher.EnableEncryption()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.KexTotal.Inc()
	}
	c.state = stateAwaitServiceRequest
	return nil
}

func (c *Connection) handleServiceRequest(pkt *sshpacket.Packet) error {
	name, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read service name: %w", err)
	}
	if name != "ssh-userauth" {
		return c.disconnect(sshpacket.DisconnectProtocolError, fmt.Sprintf("unsupported service %q", name))
	}

	// RFC 8308 EXT_INFO before SERVICE_ACCEPT.
	extInfo := sshpacket.WriteUint32(nil, 1)
	extInfo = sshpacket.WriteCString(extInfo, "server-sig-algs")
	extInfo = sshpacket.WriteCString(extInfo, "ssh-ed25519,rsa-sha2-256,rsa-sha2-512,ssh-rsa")
	if err := c.writePacket(msgExtInfo, extInfo); err != nil {
		return err
	}

	if err := c.writePacket(msgServiceAccept, sshpacket.WriteCString(nil, name)); err != nil {
		return err
	}
	c.state = stateAwaitUserAuth
	return nil
}

// userauthMethods is the method list advertised in USERAUTH_FAILURE.
const userauthMethods = "publickey,keyboard-interactive,password,none"

func (c *Connection) sendUserauthFailure() error {
	buf := sshpacket.WriteCString(nil, userauthMethods)
	buf = sshpacket.WriteBool(buf, false)
	return c.writePacket(msgUserauthFailure, buf)
}

func (c *Connection) acceptAuth() error {
	c.auth.succeeded = true
	c.logger.Info("authentication succeeded", logging.KeyUsername, c.username, "method", c.auth.lastMethod)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AuthAttempts.WithLabelValues(c.auth.lastMethod, "success").Inc()
	}
	if err := c.writePacket(msgUserauthSuccess, nil); err != nil {
		return err
	}
	c.state = stateConnected
	return nil
}

func (c *Connection) failAuth(method string) error {
	c.logger.Warn("authentication attempt rejected", logging.KeyUsername, c.username, "method", method)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AuthAttempts.WithLabelValues(method, "failure").Inc()
	}
	return c.sendUserauthFailure()
}

// resolveUsernameRouting implements username routing: if
// the supplied username names a registered app, treat it as the
// requested app and clear the stored username.
func (c *Connection) resolveUsernameRouting(username string) {
	if c.cfg.Apps != nil && c.cfg.Apps.IsRegistered(username) {
		c.requestedApp = username
		c.username = ""
		return
	}
	c.username = username
}

func (c *Connection) handleUserauthRequest(pkt *sshpacket.Packet) error {
	if c.auth.succeeded {
		// Authentication already complete; further requests are ignored.
		return nil
	}

	username, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read username: %w", err)
	}
	service, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read service: %w", err)
	}
	method, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read method: %w", err)
	}

	c.resolveUsernameRouting(username)
	c.auth.lastMethod = method

	switch method {
	case "none":
		if !c.auth.triedNoneOnce {
			c.auth.triedNoneOnce = true
			return c.failAuth(method)
		}
		// A deliberate second "none" after a prior attempt is accepted.
		return c.acceptAuth()

	case "password", "keyboard-interactive":
		if !c.cfg.AuthPolicy.Allow(AuthRequest{Username: username, Method: method, RemoteAddr: c.remoteAddr}) {
			return c.failAuth(method)
		}
		return c.acceptAuth()

	case "publickey":
		return c.handlePublickeyAuth(pkt, username, service)

	default:
		return c.failAuth(method)
	}
}

func (c *Connection) handlePublickeyAuth(pkt *sshpacket.Packet, username, service string) error {
	hasSignature, err := pkt.ReadBool()
	if err != nil {
		return fmt.Errorf("sshconn: read publickey has-signature flag: %w", err)
	}
	algo, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read publickey algorithm: %w", err)
	}
	blob, err := pkt.ReadString()
	if err != nil {
		return fmt.Errorf("sshconn: read publickey blob: %w", err)
	}

	key, parseErr := parsePublicKey(blob)
	if parseErr != nil {
		return c.failAuth("publickey")
	}

	if !hasSignature {
		// Probe: echo the algorithm and key blob back (RFC 4252 §7).
		reply := sshpacket.WriteCString(nil, algo)
		reply = sshpacket.WriteString(reply, blob)
		return c.writePacket(msgUserauthPKOK, reply)
	}

	sigBlob, err := pkt.ReadString()
	if err != nil {
		return fmt.Errorf("sshconn: read signature blob: %w", err)
	}
	sig, parseErr := parseSignatureBlob(sigBlob)
	if parseErr != nil {
		return c.failAuth("publickey")
	}

	signedData := publickeySignedData(c.sessionID, username, service, algo, blob)
	if verifyPublicKey(key, sig, signedData) != nil {
		return c.failAuth("publickey")
	}

	c.auth.publicKey = key
	return c.acceptAuth()
}

func (c *Connection) idleFor() time.Duration {
	last := c.lastActivity.Load()
	return time.Since(time.Unix(0, last))
}
