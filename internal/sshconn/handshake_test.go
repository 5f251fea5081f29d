package sshconn

import (
	ed25519crypto "crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/whisphq/whisp/internal/apps"
	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/pubkey"
	"github.com/whisphq/whisp/internal/sshpacket"
)

// drain discards everything the server writes so handlers that reply over
// a net.Pipe never block the test goroutine.
func drain(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

// readPacket reads one cleartext packet off conn.
func readPacket(t *testing.T, conn net.Conn) *sshpacket.Packet {
	t.Helper()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		buf = append(buf, tmp[:n]...)
		pkt, _, err := sshpacket.Unframe(buf, 1<<20)
		if err == nil {
			return pkt
		}
		if err != sshpacket.ErrShortBuffer && !strings.Contains(err.Error(), "buffer too short") {
			t.Fatalf("Unframe() error = %v", err)
		}
	}
}

func TestReadVersionLineExchangesIdentification(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})

	done := make(chan error, 1)
	go func() { done <- c.readVersionLine() }()

	if _, err := client.Write([]byte("SSH-2.0-TestClient\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	line := make([]byte, 64)
	n, err := client.Read(line)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := string(line[:n]); got != ServerVersion+"\r\n" {
		t.Errorf("server identification = %q, want %q", got, ServerVersion+"\r\n")
	}

	if err := <-done; err != nil {
		t.Fatalf("readVersionLine() error = %v", err)
	}
	if c.clientVersion != "SSH-2.0-TestClient" {
		t.Errorf("clientVersion = %q, want SSH-2.0-TestClient", c.clientVersion)
	}
	if c.state != stateAwaitKexInit {
		t.Errorf("state = %v, want stateAwaitKexInit", c.state)
	}
}

func TestReadVersionLineRejectsOverlongLine(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})

	done := make(chan error, 1)
	go func() { done <- c.readVersionLine() }()

	junk := make([]byte, 2048)
	for i := range junk {
		junk[i] = 'x'
	}
	go client.Write(junk)

	if err := <-done; err == nil {
		t.Error("readVersionLine() error = nil, want overlong-line rejection")
	}
}

func TestHandleServiceRequestSendsExtInfoBeforeAccept(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitServiceRequest

	pkt := sshpacket.NewPacket(msgServiceRequest, sshpacket.WriteCString(nil, "ssh-userauth"))
	done := make(chan error, 1)
	go func() { done <- c.handleServiceRequest(pkt) }()

	ext := readPacket(t, client)
	if ext.Type != msgExtInfo {
		t.Fatalf("first reply type = %d, want EXT_INFO", ext.Type)
	}
	count, err := ext.ReadUint32()
	if err != nil || count != 1 {
		t.Fatalf("EXT_INFO extension count = %d, %v, want 1", count, err)
	}
	name, err := ext.ReadCString()
	if err != nil || name != "server-sig-algs" {
		t.Fatalf("EXT_INFO extension name = %q, %v", name, err)
	}
	algs, err := ext.ReadCString()
	if err != nil || !strings.Contains(algs, "rsa-sha2-256") || !strings.Contains(algs, "ssh-ed25519") {
		t.Fatalf("server-sig-algs = %q, %v", algs, err)
	}

	accept := readPacket(t, client)
	if accept.Type != msgServiceAccept {
		t.Fatalf("second reply type = %d, want SERVICE_ACCEPT", accept.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleServiceRequest() error = %v", err)
	}
	if c.state != stateAwaitUserAuth {
		t.Errorf("state = %v, want stateAwaitUserAuth", c.state)
	}
}

func TestHandleServiceRequestRejectsUnknownService(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	drain(t, client)

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitServiceRequest

	pkt := sshpacket.NewPacket(msgServiceRequest, sshpacket.WriteCString(nil, "ssh-connection"))
	if err := c.handleServiceRequest(pkt); err == nil {
		t.Error("handleServiceRequest() error = nil, want disconnect for unsupported service")
	}
}

func userauthPacket(username, service, method string, rest []byte) *sshpacket.Packet {
	buf := sshpacket.WriteCString(nil, username)
	buf = sshpacket.WriteCString(buf, service)
	buf = sshpacket.WriteCString(buf, method)
	buf = append(buf, rest...)
	return sshpacket.NewPacket(msgUserauthRequest, buf)
}

// Spec scenario: a username naming a registered app routes to that app,
// the none probe fails listing methods, and the next method succeeds.
func TestUserauthAppUsernameProbeThenAccept(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	registry := apps.NewRegistry()
	if err := registry.Register("guestbook", apps.Command{Path: "/bin/guestbook"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	c := New(server, &Config{ConnectionID: "t", Apps: registry, Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth

	done := make(chan error, 1)
	go func() {
		done <- c.handleUserauthRequest(userauthPacket("guestbook", "ssh-connection", "none", nil))
	}()

	failure := readPacket(t, client)
	if failure.Type != msgUserauthFailure {
		t.Fatalf("probe reply type = %d, want USERAUTH_FAILURE", failure.Type)
	}
	methods, err := failure.ReadCString()
	if err != nil || methods != userauthMethods {
		t.Fatalf("method list = %q, %v, want %q", methods, err, userauthMethods)
	}
	partial, err := failure.ReadBool()
	if err != nil || partial {
		t.Fatalf("partial_success = %v, %v, want false", partial, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleUserauthRequest(none) error = %v", err)
	}

	if c.requestedApp != "guestbook" {
		t.Errorf("requestedApp = %q, want guestbook", c.requestedApp)
	}
	if c.username != "" {
		t.Errorf("username = %q, want empty after app routing", c.username)
	}

	go func() {
		done <- c.handleUserauthRequest(userauthPacket("guestbook", "ssh-connection", "keyboard-interactive", nil))
	}()
	success := readPacket(t, client)
	if success.Type != msgUserauthSuccess {
		t.Fatalf("second reply type = %d, want USERAUTH_SUCCESS", success.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleUserauthRequest(keyboard-interactive) error = %v", err)
	}
	if c.state != stateConnected {
		t.Errorf("state = %v, want stateConnected", c.state)
	}
	if !c.auth.succeeded {
		t.Error("auth.succeeded = false after USERAUTH_SUCCESS")
	}
}

func TestUserauthDeliberateSecondNoneAccepts(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	drain(t, client)

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth

	if err := c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "none", nil)); err != nil {
		t.Fatalf("first none error = %v", err)
	}
	if c.auth.succeeded {
		t.Fatal("auth succeeded on the probe")
	}
	if err := c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "none", nil)); err != nil {
		t.Fatalf("second none error = %v", err)
	}
	if !c.auth.succeeded {
		t.Error("deliberate second none was not accepted")
	}
	if c.username != "alice" {
		t.Errorf("username = %q, want alice retained for non-app usernames", c.username)
	}
}

type denyAll struct{}

func (denyAll) Allow(AuthRequest) bool { return false }

func TestUserauthPolicyCanReject(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	drain(t, client)

	c := New(server, &Config{ConnectionID: "t", AuthPolicy: denyAll{}, Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth

	if err := c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "password", nil)); err != nil {
		t.Fatalf("handleUserauthRequest() error = %v", err)
	}
	if c.auth.succeeded {
		t.Error("auth succeeded despite a denying policy")
	}
}

func ed25519TestBlob(t *testing.T) (ed25519crypto.PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519crypto.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	blob := sshpacket.WriteCString(nil, "ssh-ed25519")
	blob = sshpacket.WriteString(blob, pub)
	return priv, blob
}

func TestUserauthPublickeyProbeEchoesPKOK(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth
	c.sessionID = []byte("session-id")

	_, blob := ed25519TestBlob(t)

	rest := sshpacket.WriteBool(nil, false)
	rest = sshpacket.WriteCString(rest, "ssh-ed25519")
	rest = sshpacket.WriteString(rest, blob)

	done := make(chan error, 1)
	go func() {
		done <- c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "publickey", rest))
	}()

	reply := readPacket(t, client)
	if reply.Type != msgUserauthPKOK {
		t.Fatalf("reply type = %d, want USERAUTH_PK_OK", reply.Type)
	}
	algo, err := reply.ReadCString()
	if err != nil || algo != "ssh-ed25519" {
		t.Fatalf("echoed algorithm = %q, %v", algo, err)
	}
	echoed, err := reply.ReadString()
	if err != nil || string(echoed) != string(blob) {
		t.Fatalf("echoed blob does not match the presented key")
	}
	if err := <-done; err != nil {
		t.Fatalf("handleUserauthRequest() error = %v", err)
	}
	if c.auth.succeeded {
		t.Error("auth succeeded on a signatureless probe")
	}
}

func TestUserauthPublickeySignatureAcceptsAndRetainsKey(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth
	c.sessionID = []byte("session-id")

	priv, blob := ed25519TestBlob(t)

	signed := pubkey.SignedData(c.sessionID, "alice", "ssh-connection", "ssh-ed25519", blob)
	raw := ed25519crypto.Sign(priv, signed)
	sigBlob := sshpacket.WriteCString(nil, "ssh-ed25519")
	sigBlob = sshpacket.WriteString(sigBlob, raw)

	rest := sshpacket.WriteBool(nil, true)
	rest = sshpacket.WriteCString(rest, "ssh-ed25519")
	rest = sshpacket.WriteString(rest, blob)
	rest = sshpacket.WriteString(rest, sigBlob)

	done := make(chan error, 1)
	go func() {
		done <- c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "publickey", rest))
	}()

	reply := readPacket(t, client)
	if reply.Type != msgUserauthSuccess {
		t.Fatalf("reply type = %d, want USERAUTH_SUCCESS", reply.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleUserauthRequest() error = %v", err)
	}
	if c.auth.publicKey == nil {
		t.Error("validated public key was not retained for env injection")
	}
}

func TestUserauthPublickeyBadSignatureFails(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateAwaitUserAuth
	c.sessionID = []byte("session-id")

	priv, blob := ed25519TestBlob(t)

	// Signature over the wrong username: must not verify.
	signed := pubkey.SignedData(c.sessionID, "mallory", "ssh-connection", "ssh-ed25519", blob)
	raw := ed25519crypto.Sign(priv, signed)
	sigBlob := sshpacket.WriteCString(nil, "ssh-ed25519")
	sigBlob = sshpacket.WriteString(sigBlob, raw)

	rest := sshpacket.WriteBool(nil, true)
	rest = sshpacket.WriteCString(rest, "ssh-ed25519")
	rest = sshpacket.WriteString(rest, blob)
	rest = sshpacket.WriteString(rest, sigBlob)

	done := make(chan error, 1)
	go func() {
		done <- c.handleUserauthRequest(userauthPacket("alice", "ssh-connection", "publickey", rest))
	}()

	reply := readPacket(t, client)
	if reply.Type != msgUserauthFailure {
		t.Fatalf("reply type = %d, want USERAUTH_FAILURE", reply.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleUserauthRequest() error = %v", err)
	}
	if c.auth.succeeded {
		t.Error("auth succeeded on an invalid signature")
	}
}

func TestUserauthIgnoredAfterSuccess(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	drain(t, client)

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateConnected
	c.auth.succeeded = true

	if err := c.handleUserauthRequest(userauthPacket("bob", "ssh-connection", "password", nil)); err != nil {
		t.Fatalf("handleUserauthRequest() error = %v", err)
	}
	if c.username == "bob" {
		t.Error("a post-success userauth request mutated connection state")
	}
}

// A server-initiated rekey has already sent our KEXINIT; the client's
// answering KEXINIT must not trigger a duplicate.
func TestServerInitiatedRekeySendsSingleKexInit(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})
	c.state = stateConnected
	c.cipher.EnableEncryption()

	read := make(chan *sshpacket.Packet, 2)
	go func() {
		// The rekey KEXINIT goes out encrypted; just count raw reads.
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			if err != nil {
				close(read)
				return
			}
			read <- sshpacket.NewPacket(0, append([]byte(nil), buf[:n]...))
		}
	}()

	if err := c.RequestRekey(nil); err != nil {
		t.Fatalf("RequestRekey() error = %v", err)
	}
	<-read // our KEXINIT

	if !c.kexInitSent {
		t.Fatal("kexInitSent = false after RequestRekey")
	}

	clientKexInit := sshpacket.NewPacket(msgKexInit, []byte("client kexinit payload"))
	if err := c.handleKexInit(clientKexInit); err != nil {
		t.Fatalf("handleKexInit() error = %v", err)
	}

	select {
	case <-read:
		t.Error("server sent a second KEXINIT answering its own rekey")
	case <-time.After(50 * time.Millisecond):
	}
	if !c.rekeyInFlight {
		t.Error("rekeyInFlight = false after the client's answering KEXINIT")
	}
}

// Spec scenario: a connection idle past the deadline gets
// DISCONNECT(11, "Connection inactive for too long") and the loop exits.
func TestRunDisconnectsOnInactivity(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(server, &Config{
		ConnectionID:      "t",
		InactivityTimeout: 80 * time.Millisecond,
		Logger:            logging.NopLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	if _, err := client.Write([]byte("SSH-2.0-TestClient\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	version := make([]byte, 64)
	if _, err := client.Read(version); err != nil {
		t.Fatalf("Read() version error = %v", err)
	}

	pkt := readPacket(t, client)
	if pkt.Type != msgDisconnect {
		t.Fatalf("packet type = %d, want DISCONNECT", pkt.Type)
	}
	code, err := pkt.ReadUint32()
	if err != nil || code != sshpacket.DisconnectByApplication {
		t.Fatalf("reason code = %d, %v, want %d", code, err, sshpacket.DisconnectByApplication)
	}
	msg, err := pkt.ReadCString()
	if err != nil || msg != "Connection inactive for too long" {
		t.Fatalf("reason = %q, %v", msg, err)
	}

	select {
	case runErr := <-done:
		if runErr == nil {
			t.Error("Run() error = nil, want inactivity disconnect error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not exit after the inactivity disconnect")
	}
}

func TestRunExitsOnClientClose(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	c := New(server, &Config{ConnectionID: "t", Logger: logging.NopLogger()})

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	if _, err := client.Write([]byte("SSH-2.0-TestClient\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	version := make([]byte, 64)
	if _, err := io.ReadFull(client, version[:len(ServerVersion)+2]); err != nil {
		t.Fatalf("Read() version error = %v", err)
	}
	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on clean client close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not exit after the client closed")
	}
}
