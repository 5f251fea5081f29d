package sshconn

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"

	"github.com/whisphq/whisp/internal/apps"
	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/pty"
	"github.com/whisphq/whisp/internal/pubkey"
	"github.com/whisphq/whisp/internal/sshchan"
	"github.com/whisphq/whisp/internal/sshpacket"
)

// warnTemplate is the literal user-visible warning for an unresolvable
// app.
const warnTemplate = "\n\033[1;33m⚠️  Warning\033[0m: Unknown app: '%s'\n"

func (c *Connection) handleChannelOpen(pkt *sshpacket.Packet) error {
	channelType, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read channel type: %w", err)
	}
	remoteID, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read sender channel: %w", err)
	}
	window, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read window size: %w", err)
	}
	maxPacket, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read max packet size: %w", err)
	}

	if channelType != "session" {
		buf := sshpacket.WriteUint32(nil, remoteID)
		buf = sshpacket.WriteUint32(buf, 3) // SSH_OPEN_UNKNOWN_CHANNEL_TYPE
		buf = sshpacket.WriteCString(buf, "unsupported channel type")
		buf = sshpacket.WriteCString(buf, "en")
		return c.writePacket(msgChannelOpenFailure, buf)
	}

	localID := c.nextLocalID
	c.nextLocalID++
	if maxPacket > 0 {
		c.maxPacketSize = maxPacket
	}

	ch := sshchan.New(localID, remoteID, window, maxPacket, c, c.logger)
	c.putChannel(ch)

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ChannelsOpened.Inc()
		c.cfg.Metrics.ChannelsActive.Inc()
	}

	buf := sshpacket.WriteUint32(nil, remoteID)
	buf = sshpacket.WriteUint32(buf, localID)
	buf = sshpacket.WriteUint32(buf, window)
	buf = sshpacket.WriteUint32(buf, maxPacket)
	return c.writePacket(msgChannelOpenConfirmation, buf)
}

func (c *Connection) handleChannelRequest(pkt *sshpacket.Packet) error {
	localID, err := pkt.ReadUint32()
	if err != nil {
		return fmt.Errorf("sshconn: read recipient channel: %w", err)
	}
	requestType, err := pkt.ReadCString()
	if err != nil {
		return fmt.Errorf("sshconn: read request type: %w", err)
	}
	wantReply, err := pkt.ReadBool()
	if err != nil {
		return fmt.Errorf("sshconn: read want_reply: %w", err)
	}

	ch, ok := c.getChannel(localID)
	if !ok {
		if wantReply {
			return c.writePacket(msgChannelFailure, sshpacket.WriteUint32(nil, localID))
		}
		return nil
	}

	var handleErr error
	switch requestType {
	case "pty-req":
		handleErr = c.handlePtyReq(ch, pkt)
	case "env":
		handleErr = c.handleEnvReq(ch, pkt)
	case "exec":
		handleErr = c.handleExecReq(ch, pkt)
	case "shell":
		handleErr = c.handleShellReq(ch)
	case "window-change":
		handleErr = c.handleWindowChangeReq(ch, pkt)
	case "signal":
		c.logger.Info("channel signal request", logging.KeyChannelID, localID)
	default:
		if wantReply {
			return c.SendChannelFailure(localID)
		}
		return nil
	}

	if !wantReply {
		return nil
	}
	if handleErr != nil {
		return c.SendChannelFailure(localID)
	}
	return c.SendChannelSuccess(localID)
}

func (c *Connection) handlePtyReq(ch *sshchan.Channel, pkt *sshpacket.Packet) error {
	term, err := pkt.ReadCString()
	if err != nil {
		return err
	}
	cols, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	rows, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	widthPx, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	heightPx, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	modeString, err := pkt.ReadString()
	if err != nil {
		return err
	}

	ch.SetTerminal(&pty.TerminalInfo{
		Term:     term,
		Cols:     cols,
		Rows:     rows,
		WidthPx:  widthPx,
		HeightPx: heightPx,
		Modes:    pty.ParseModeList(modeString),
	})

	// The PTY is opened now, not at shell/exec time, so an allocation
	// failure comes back as CHANNEL_FAILURE to this request while the
	// connection survives.
	if err := ch.CreatePTY(); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ChannelErrors.WithLabelValues("pty_open_failed").Inc()
		}
		return err
	}
	return nil
}

func (c *Connection) handleEnvReq(ch *sshchan.Channel, pkt *sshpacket.Packet) error {
	name, err := pkt.ReadCString()
	if err != nil {
		return err
	}
	value, err := pkt.ReadCString()
	if err != nil {
		return err
	}
	ch.SetEnv(name, value)
	return nil
}

func (c *Connection) handleExecReq(ch *sshchan.Channel, pkt *sshpacket.Packet) error {
	command, err := pkt.ReadCString()
	if err != nil {
		return err
	}
	// If username routing already chose an app, exec is ignored in favor
	// of it; otherwise the exec payload names the app.
	appName := c.requestedApp
	if appName == "" {
		appName = command
	}
	return c.startApp(ch, appName)
}

func (c *Connection) handleShellReq(ch *sshchan.Channel) error {
	appName := c.requestedApp
	if appName == "" {
		appName = "default"
	}
	return c.startApp(ch, appName)
}

func (c *Connection) handleWindowChangeReq(ch *sshchan.Channel, pkt *sshpacket.Packet) error {
	cols, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	rows, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	widthPx, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	heightPx, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	return ch.Resize(cols, rows, widthPx, heightPx)
}

// startApp resolves appName through the registry and spawns it attached
// to the channel's PTY, injecting the WHISP_* environment table.
func (c *Connection) startApp(ch *sshchan.Channel, appName string) error {
	if c.cfg.Apps == nil {
		return c.failApp(ch, appName)
	}
	resolved, err := c.cfg.Apps.Resolve(appName)
	if err != nil {
		return c.failApp(ch, appName)
	}

	args := append([]string{}, resolved.Command.Args...)
	for _, p := range resolved.Params {
		args = append(args, p.Value)
	}

	cmd := exec.Command(resolved.Command.Path, args...)

	if err := ch.Start(cmd, appName, func(slavePath string) {
		cmd.Env = buildEnv(c, ch, appName, resolved.Params, slavePath)
	}); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ChannelErrors.WithLabelValues("app_start_failed").Inc()
		}
		return c.failApp(ch, appName)
	}
	go c.pumpChannelOutput(ch)
	return nil
}

func (c *Connection) failApp(ch *sshchan.Channel, appName string) error {
	c.logger.Warn("unresolved app", logging.KeyApp, appName, logging.KeyChannelID, ch.LocalID)
	warning := fmt.Sprintf(warnTemplate, appName)
	_ = c.writePacket(msgChannelData, channelDataPayload(ch.RemoteID, []byte(warning)))
	_ = c.SendChannelExitStatus(ch.LocalID, 1)
	ch.Close()
	return fmt.Errorf("sshconn: unresolved app %q", appName)
}

func channelDataPayload(remoteID uint32, data []byte) []byte {
	buf := sshpacket.WriteUint32(nil, remoteID)
	return sshpacket.WriteString(buf, data)
}

// buildEnv assembles the app's environment: inherited PATH plus the
// WHISP_* variables. slavePath is the PTY slave device path, exported
// as WHISP_TTY.
func buildEnv(c *Connection, ch *sshchan.Channel, appName string, params []apps.Param, slavePath string) []string {
	env := []string{"PATH=" + os.Getenv("PATH"), "WHISP_TTY=" + slavePath}

	term := ch.Terminal()
	if term != nil {
		env = append(env,
			"TERM="+defaultString(term.Term, "xterm-256color"),
			fmt.Sprintf("WHISP_TERM=%s", term.Term),
			fmt.Sprintf("WHISP_COLS=%d", term.Cols),
			fmt.Sprintf("WHISP_ROWS=%d", term.Rows),
			fmt.Sprintf("WHISP_WIDTH_PX=%d", term.WidthPx),
			fmt.Sprintf("WHISP_HEIGHT_PX=%d", term.HeightPx),
		)
	}

	env = append(env,
		"WHISP_CLIENT_IP="+c.remoteAddr,
		"WHISP_APP="+appName,
		"WHISP_USERNAME="+c.username,
		"WHISP_CONNECTION_ID="+c.cfg.ConnectionID,
	)

	if c.auth.publicKey != nil {
		env = append(env, "WHISP_USER_PUBLIC_KEY="+publicKeyText(c.auth.publicKey))
	}

	for _, p := range params {
		env = append(env, fmt.Sprintf("WHISP_PARAM_%s=%s", upperName(p.Name), p.Value))
	}

	return env
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// publicKeyText renders a verified client key in authorized_keys form
// ("algorithm base64blob") for injection into WHISP_USER_PUBLIC_KEY.
func publicKeyText(key *pubkey.Key) string {
	return key.Algorithm + " " + base64.StdEncoding.EncodeToString(key.Blob)
}

func upperName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
