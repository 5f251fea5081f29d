// Package pty opens a pseudo-terminal pair for a Channel's spawned app
// and applies the SSH terminal modes from a pty-req to termios (RFC 4254
// §8). creack/pty handles master/slave allocation and window sizing;
// golang.org/x/sys/unix supplies the termios ioctls, since creack/pty
// does not expose arbitrary mode-bit manipulation.
//
//go:build linux || darwin

package pty

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// TerminalInfo carries the terminal parameters from a pty-req channel
// request.
type TerminalInfo struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    []Mode
}

// Mode is one opcode/value pair from the SSH terminal-modes encoding
// (RFC 4254 §8).
type Mode struct {
	Opcode byte
	Value  uint32
}

// SSH terminal mode opcodes (RFC 4254 §8), mapped at ApplyModes time.
const (
	opEnd      = 0
	opVINTR    = 1
	opVQUIT    = 2
	opVERASE   = 3
	opVKILL    = 4
	opVEOF     = 5
	opVEOL     = 6
	opVEOL2    = 7
	opVSTART   = 8
	opVSTOP    = 9
	opVSUSP    = 10
	opVDSUSP   = 11
	opVREPRINT = 12
	opVWERASE  = 13
	opVLNEXT   = 14
	opVSTATUS  = 18

	opIGNPAR  = 30
	opPARMRK  = 31
	opINPCK   = 32
	opISTRIP  = 33
	opINLCR   = 34
	opIGNCR   = 35
	opICRNL   = 36
	opIUCLC   = 37
	opIXON    = 38
	opIXANY   = 39
	opIXOFF   = 40
	opIMAXBEL = 41

	opISIG    = 50
	opICANON  = 51
	opXCASE   = 52
	opECHO    = 53
	opECHOE   = 54
	opECHOK   = 55
	opECHONL  = 56
	opNOFLSH  = 57
	opTOSTOP  = 58
	opIEXTEN  = 59
	opECHOCTL = 60
	opECHOKE  = 61
	opPENDIN  = 62

	opOPOST  = 70
	opOLCUC  = 71
	opONLCR  = 72
	opOCRNL  = 73
	opONOCR  = 74
	opONLRET = 75

	opCS7    = 90
	opCS8    = 91
	opPARENB = 92
	opPARODD = 93

	opTTYOpISpeed = 128
	opTTYOpOSpeed = 129
)

// ParseModeList decodes the SSH terminal-modes byte string from a
// pty-req: repeated (opcode byte, uint32 value) pairs terminated by
// opcode TTY_OP_END (0); any bytes after TTY_OP_END are ignored.
func ParseModeList(data []byte) []Mode {
	var modes []Mode
	i := 0
	for i < len(data) {
		opcode := data[i]
		if opcode == opEnd {
			break
		}
		if i+5 > len(data) {
			break
		}
		value := uint32(data[i+1])<<24 | uint32(data[i+2])<<16 | uint32(data[i+3])<<8 | uint32(data[i+4])
		modes = append(modes, Mode{Opcode: opcode, Value: value})
		i += 5
	}
	return modes
}

// Pty wraps one master/slave pseudo-terminal pair and the child process
// attached to its slave end. Owned exclusively by one Channel.
type Pty struct {
	master    *os.File
	slavePath string
	cmd       *exec.Cmd
}

// SlavePath returns the slave device path, exported to the app as
// WHISP_TTY.
func (p *Pty) SlavePath() string { return p.slavePath }

// Open allocates a PTY pair, configures termios from modes (a termios
// failure is ignored and leaves the baseline settings), and sets the
// initial window size; info.Term is not used. It returns the Pty and the still-open
// slave end; the caller must pass both to Attach once it has finished
// building the child's environment (WHISP_TTY carries the slave device
// path, so the path must be known before the child starts).
func Open(info *TerminalInfo) (*Pty, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("pty: open: %w", err)
	}

	if err := applyTermios(master, info.Modes); err != nil {
		// Non-fatal: the PTY still works with baseline settings.
		_ = err
	}

	ws := &pty.Winsize{
		Rows: uint16(info.Rows),
		Cols: uint16(info.Cols),
		X:    uint16(info.WidthPx),
		Y:    uint16(info.HeightPx),
	}
	if ws.Rows == 0 {
		ws.Rows = 24
	}
	if ws.Cols == 0 {
		ws.Cols = 80
	}
	if err := pty.Setsize(master, ws); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("pty: set initial size: %w", err)
	}

	return &Pty{master: master, slavePath: slave.Name()}, slave, nil
}

// Attach starts cmd with slave as its controlling terminal: the child
// becomes a session leader with the slave set as its controlling tty
// before exec, stdio redirected to the slave, and the parent retains
// only the master. The slave end is closed in the parent
// once the child has started, whether or not Start succeeds.
func (p *Pty) Attach(cmd *exec.Cmd, slave *os.File) error {
	defer slave.Close()

	setCtty(cmd, slave)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave

	if err := cmd.Start(); err != nil {
		p.master.Close()
		return fmt.Errorf("pty: start app: %w", err)
	}

	p.cmd = cmd
	return nil
}

// Read reads available bytes from the master side (non-blocking by way
// of the caller's own polling loop; the fd itself blocks).
func (p *Pty) Read(buf []byte) (int, error) {
	return p.master.Read(buf)
}

// Write writes bytes to the master side, delivered to the child's stdin.
func (p *Pty) Write(buf []byte) (int, error) {
	return p.master.Write(buf)
}

// Resize applies a new window size via TIOCSWINSZ.
func (p *Pty) Resize(cols, rows, widthPx, heightPx uint32) error {
	return pty.Setsize(p.master, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
		X:    uint16(widthPx),
		Y:    uint16(heightPx),
	})
}

// Fd returns the master file descriptor, for the connection event loop's
// readiness multiplexing.
func (p *Pty) Fd() int {
	return int(p.master.Fd())
}

// Close releases the master end. The child, if still running, is the
// Channel's responsibility to signal/wait.
func (p *Pty) Close() error {
	return p.master.Close()
}

// baseline is the fixed starting point before SSH modes
// are layered on: ISIG/ICANON/ECHO/ECHOE/ECHOK/ECHONL/IEXTEN enabled,
// ICRNL enabled, OPOST disabled.
func baseline(t unix.Termios) unix.Termios {
	t.Lflag |= unix.ISIG | unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.IEXTEN
	t.Iflag |= unix.ICRNL
	t.Oflag &^= unix.OPOST
	return t
}

func applyTermios(master *os.File, modes []Mode) error {
	fd := int(master.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("pty: get termios: %w", err)
	}

	applied := baseline(*t)

	for _, m := range modes {
		switch m.Opcode {
		case opVINTR:
			applied.Cc[unix.VINTR] = byte(m.Value)
		case opVQUIT:
			applied.Cc[unix.VQUIT] = byte(m.Value)
		case opVERASE:
			applied.Cc[unix.VERASE] = byte(m.Value)
		case opVKILL:
			applied.Cc[unix.VKILL] = byte(m.Value)
		case opVEOF:
			applied.Cc[unix.VEOF] = byte(m.Value)
		case opVEOL:
			applied.Cc[unix.VEOL] = byte(m.Value)
		case opVEOL2:
			applied.Cc[unix.VEOL2] = byte(m.Value)
		case opVSTART:
			applied.Cc[unix.VSTART] = byte(m.Value)
		case opVSTOP:
			applied.Cc[unix.VSTOP] = byte(m.Value)
		case opVSUSP:
			applied.Cc[unix.VSUSP] = byte(m.Value)
		case opVREPRINT:
			applied.Cc[unix.VREPRINT] = byte(m.Value)
		case opVWERASE:
			applied.Cc[unix.VWERASE] = byte(m.Value)
		case opVLNEXT:
			applied.Cc[unix.VLNEXT] = byte(m.Value)

		case opIGNPAR:
			setFlag(&applied.Iflag, unix.IGNPAR, m.Value)
		case opPARMRK:
			setFlag(&applied.Iflag, unix.PARMRK, m.Value)
		case opINPCK:
			setFlag(&applied.Iflag, unix.INPCK, m.Value)
		case opISTRIP:
			setFlag(&applied.Iflag, unix.ISTRIP, m.Value)
		case opINLCR:
			setFlag(&applied.Iflag, unix.INLCR, m.Value)
		case opIGNCR:
			setFlag(&applied.Iflag, unix.IGNCR, m.Value)
		case opICRNL:
			setFlag(&applied.Iflag, unix.ICRNL, m.Value)
		case opIXON:
			setFlag(&applied.Iflag, unix.IXON, m.Value)
		case opIXANY:
			setFlag(&applied.Iflag, unix.IXANY, m.Value)
		case opIXOFF:
			setFlag(&applied.Iflag, unix.IXOFF, m.Value)
		case opIMAXBEL:
			setFlag(&applied.Iflag, unix.IMAXBEL, m.Value)

		case opISIG:
			setFlag(&applied.Lflag, unix.ISIG, m.Value)
		case opICANON:
			setFlag(&applied.Lflag, unix.ICANON, m.Value)
		case opECHO:
			setFlag(&applied.Lflag, unix.ECHO, m.Value)
		case opECHOE:
			setFlag(&applied.Lflag, unix.ECHOE, m.Value)
		case opECHOK:
			setFlag(&applied.Lflag, unix.ECHOK, m.Value)
		case opECHONL:
			setFlag(&applied.Lflag, unix.ECHONL, m.Value)
		case opNOFLSH:
			setFlag(&applied.Lflag, unix.NOFLSH, m.Value)
		case opTOSTOP:
			setFlag(&applied.Lflag, unix.TOSTOP, m.Value)
		case opIEXTEN:
			setFlag(&applied.Lflag, unix.IEXTEN, m.Value)
		case opECHOCTL:
			setFlag(&applied.Lflag, unix.ECHOCTL, m.Value)
		case opECHOKE:
			setFlag(&applied.Lflag, unix.ECHOKE, m.Value)
		case opPENDIN:
			setFlag(&applied.Lflag, unix.PENDIN, m.Value)

		case opOLCUC:
			setFlag(&applied.Oflag, unix.OLCUC, m.Value)
		case opONLCR:
			setFlag(&applied.Oflag, unix.ONLCR, m.Value)
		case opOCRNL:
			setFlag(&applied.Oflag, unix.OCRNL, m.Value)
		case opONOCR:
			setFlag(&applied.Oflag, unix.ONOCR, m.Value)
		case opONLRET:
			setFlag(&applied.Oflag, unix.ONLRET, m.Value)
			// OPOST is never re-enabled here.

		case opCS7:
			setCflag(&applied.Cflag, unix.CS7, m.Value)
		case opCS8:
			setCflag(&applied.Cflag, unix.CS8, m.Value)
		case opPARENB:
			setFlag(&applied.Cflag, unix.PARENB, m.Value)
		case opPARODD:
			setFlag(&applied.Cflag, unix.PARODD, m.Value)

		case opTTYOpISpeed:
			setSpeed(&applied.Ispeed, m.Value)
		case opTTYOpOSpeed:
			setSpeed(&applied.Ospeed, m.Value)

		default:
			// Unknown opcodes are silently skipped (RFC 4254 §8).
		}
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &applied); err != nil {
		return fmt.Errorf("pty: set termios: %w", err)
	}
	return nil
}

// word constrains the flag/speed field types, which are uint32 on Linux
// and uint64 on Darwin within golang.org/x/sys/unix.Termios.
type word interface{ ~uint32 | ~uint64 }

func setFlag[T word](field *T, bit T, value uint32) {
	if value != 0 {
		*field |= bit
	} else {
		*field &^= bit
	}
}

// setCflag is setFlag for CS7/CS8, which share the CSIZE mask rather
// than being independent bits.
func setCflag[T word](field *T, bit T, value uint32) {
	if value != 0 {
		*field = (*field &^ unix.CSIZE) | bit
	}
}

func setSpeed[T word](field *T, value uint32) {
	*field = T(value)
}
