package bridge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/netutil"
)

// CommandKind tags one parsed operator command.
type CommandKind int

const (
	CmdON CommandKind = iota
	CmdOFF
	CmdCLEAR
	CmdPAUSE
	CmdRESUME
	CmdJOIN
)

func (k CommandKind) String() string {
	switch k {
	case CmdON:
		return "ON"
	case CmdOFF:
		return "OFF"
	case CmdCLEAR:
		return "CLEAR"
	case CmdPAUSE:
		return "PAUSE"
	case CmdRESUME:
		return "RESUME"
	case CmdJOIN:
		return "JOIN"
	default:
		return "?"
	}
}

// CommandRequest is one dispatched operator command, sent over
// CommandServer.Requests to the Controller, its single consumer. The
// session blocks on reply until the Controller calls Respond.
type CommandRequest struct {
	Kind     CommandKind
	Channels []string
	reply    chan CommandReply
}

// CommandReply is what the Controller hands back for the session to
// render as a response line (or lines, though only help and the banner
// are ever multi-line).
type CommandReply struct {
	OK    bool
	Text  string
	Lines []string
}

// Respond delivers r back to the waiting session. Call exactly once.
func (r *CommandRequest) Respond(reply CommandReply) {
	r.reply <- reply
}

func okReply(text string) CommandReply { return CommandReply{OK: true, Text: text} }

func errReply(reason string) CommandReply {
	return CommandReply{OK: false, Text: "ERR " + reason}
}

const productName = "matrixbridge"

var helpLines = []string{
	"Available commands:",
	"  ON             start operation",
	"  OFF            stop operation",
	"  CLEAR          clear the ranking buffer and remote queue",
	"  PAUSE          stop uploads, keep analyzing and ranking",
	"  RESUME         resume uploads after PAUSE",
	"  JOIN :#a,#b    join additional channels",
	"  TELNET         switch this session to telnet line mode",
	"  ?, h, help     show this text",
}

// CommandServer is the line-oriented TCP control interface. At most
// one session is active: accepting a new connection preempts whatever
// session currently holds the socket. netutil.LimitListener bounds the
// number of raw sockets the listener will hand off at once — a resource
// guard against accept storms, independent of (and looser than) the
// single-*active*-session rule the server enforces itself by tracking
// and preempting s.session.
type CommandServer struct {
	log     *slog.Logger
	version string
	ln      net.Listener
	m       *metrics

	mu      sync.Mutex
	session *commandSession

	Requests chan *CommandRequest
}

// NewCommandServer binds addr (e.g. "127.0.0.1:9999"). A bind failure
// is fatal and should abort startup.
func NewCommandServer(addr, version string, log *slog.Logger, m *metrics) (*CommandServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("bind command port: %w", err)}
	}
	return &CommandServer{
		log:      log,
		version:  version,
		ln:       netutil.LimitListener(ln, 2),
		m:        m,
		Requests: make(chan *CommandRequest),
	}, nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *CommandServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *CommandServer) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("command server accept error", "err", err)
			return
		}
		s.preempt()
		sess := &commandSession{server: s, conn: conn}
		s.mu.Lock()
		s.session = sess
		s.mu.Unlock()
		if s.m != nil {
			s.m.commandSessions.Inc()
		}
		go sess.run(ctx)
	}
}

// preempt closes whatever session currently holds the socket, dropping
// its pending writes (a plain Close, no attempt at a clean FIN/RST
// distinction).
func (s *CommandServer) preempt() {
	s.mu.Lock()
	old := s.session
	s.session = nil
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

// Close shuts down the listener.
func (s *CommandServer) Close() error { return s.ln.Close() }

// commandSession owns exactly one socket. telnet tracks whether TELNET
// has been issued on this session; it persists until the session closes.
type commandSession struct {
	server *CommandServer
	conn   net.Conn

	writeMu sync.Mutex
	telnet  bool
}

func (sess *commandSession) run(ctx context.Context) {
	defer sess.conn.Close()

	sess.sendBanner()

	r := bufio.NewReader(sess.conn)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch {
		case b == '\n':
			text := strings.TrimRight(string(line), "\r")
			line = line[:0]
			if text == "" {
				continue
			}
			if !sess.handleLine(ctx, text) {
				return
			}
		case b == 0x08 && sess.telnet:
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
		default:
			line = append(line, b)
		}
	}
}

func (sess *commandSession) peer() string {
	return sess.conn.RemoteAddr().String()
}

func (sess *commandSession) sendBanner() {
	sess.sendLines(
		fmt.Sprintf("%s %s", productName, sess.server.version),
		"Type '?' to obtain available commands.",
		fmt.Sprintf("Hello %s!", sess.peer()),
	)
}

// handleLine matches text case-insensitively against the command
// grammar. Returns false when the session should be torn down (write
// failure).
func (sess *commandSession) handleLine(ctx context.Context, text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	fields := strings.Fields(upper)
	cmd := ""
	if len(fields) > 0 {
		cmd = fields[0]
	}

	switch cmd {
	case "TELNET":
		sess.telnet = true
		ok := sess.sendLine("OK TELNET mode")
		sess.sendBanner()
		return ok

	case "?", "H", "HELP":
		return sess.sendLines(helpLines...)

	case "ON", "OFF", "CLEAR", "PAUSE", "RESUME":
		return sess.dispatch(ctx, parseSimpleCommand(cmd), nil)

	case "JOIN":
		channels, err := parseJoinArg(text)
		if err != nil {
			return sess.sendLine("ERR Bad syntax")
		}
		return sess.dispatch(ctx, CmdJOIN, channels)

	default:
		return sess.sendLine("ERR Unknown command")
	}
}

func parseSimpleCommand(cmd string) CommandKind {
	switch cmd {
	case "ON":
		return CmdON
	case "OFF":
		return CmdOFF
	case "CLEAR":
		return CmdCLEAR
	case "PAUSE":
		return CmdPAUSE
	default:
		return CmdRESUME
	}
}

// parseJoinArg extracts the comma-separated channel list from
// "JOIN :#a,#b" or the looser "JOIN #a,#b".
func parseJoinArg(text string) ([]string, error) {
	_, rest, ok := strings.Cut(text, " ")
	if !ok {
		return nil, fmt.Errorf("missing channel list")
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(rest, ":")
	if rest == "" {
		return nil, fmt.Errorf("empty channel list")
	}
	var channels []string
	for _, c := range strings.Split(rest, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		channels = append(channels, normalizeChannel(c))
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("empty channel list")
	}
	return channels, nil
}

// dispatch forwards a parsed command to the Controller and blocks for its
// reply, rendering it as one (or, for CommandReply.Lines, several) output
// line(s).
func (sess *commandSession) dispatch(ctx context.Context, kind CommandKind, channels []string) bool {
	req := &CommandRequest{Kind: kind, Channels: channels, reply: make(chan CommandReply, 1)}
	select {
	case sess.server.Requests <- req:
	case <-ctx.Done():
		return false
	}

	select {
	case reply := <-req.reply:
		if len(reply.Lines) > 0 {
			return sess.sendLines(reply.Lines...)
		}
		return sess.sendLine(reply.Text)
	case <-ctx.Done():
		return false
	}
}

func (sess *commandSession) terminator() string {
	if sess.telnet {
		return "\r\n"
	}
	return "\n"
}

func (sess *commandSession) sendLine(line string) bool {
	return sess.sendLines(line)
}

func (sess *commandSession) sendLines(lines ...string) bool {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	term := sess.terminator()
	for _, l := range lines {
		if _, err := sess.conn.Write([]byte(l + term)); err != nil {
			return false
		}
	}
	return true
}
