package bridge

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IRCState is the connection lifecycle state of an IRCClient:
// Disconnected -> Connecting -> Registering -> Ready -> Closing ->
// Disconnected. Rejoining is represented implicitly: Ready accepts Join
// calls at any time, so there is no separate state value for it.
type IRCState int

const (
	IRCDisconnected IRCState = iota
	IRCConnecting
	IRCRegistering
	IRCReady
	IRCClosing
)

func (s IRCState) String() string {
	switch s {
	case IRCConnecting:
		return "Connecting"
	case IRCRegistering:
		return "Registering"
	case IRCReady:
		return "Ready"
	case IRCClosing:
		return "Closing"
	default:
		return "Disconnected"
	}
}

// ChatMessage is one parsed PRIVMSG, the unit of work handed to the analyzer.
type ChatMessage struct {
	Channel     string
	SenderLower string
	Tags        map[string]string
	Text        string
}

// IRCEventKind tags the variant carried by an IRCEvent.
type IRCEventKind int

const (
	EventReady IRCEventKind = iota
	EventMessage
	EventJoined
	EventJoinFailed
	EventDisconnected
)

// IRCEvent is the union of everything IRCClient reports to its owner (the
// Controller). Only the field matching Kind is populated.
type IRCEvent struct {
	Kind    IRCEventKind
	Channel string
	Message *ChatMessage
	Err     error
}

const joinConfirmTimeout = 15 * time.Second
const keepaliveIdle = 4 * time.Minute

// IRCClient speaks the Twitch Messaging Interface (TMI): IRCv3 tags over
// plain or TLS TCP, anonymous justinfan login, multi-channel join. It does
// not reconnect itself on transport error — that's the Controller's
// decision, driven by the EventDisconnected it emits here.
type IRCClient struct {
	log *slog.Logger

	mu        sync.Mutex
	state     IRCState
	conn      net.Conn
	nick      string
	pending   map[string]chan struct{} // channel -> closed on JOIN echo
	lastInput time.Time

	writeMu sync.Mutex

	Events chan IRCEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// NewIRCClient returns a client in the Disconnected state. Events is
// buffered; callers must drain it promptly, since an event that finds the
// buffer full is dropped with a warning.
func NewIRCClient(log *slog.Logger) *IRCClient {
	return &IRCClient{
		log:     log,
		state:   IRCDisconnected,
		pending: make(map[string]chan struct{}),
		Events:  make(chan IRCEvent, 64),
	}
}

func (c *IRCClient) State() IRCState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func randomJustinfanNick() string {
	// A random digit string is cheaper than a real credential for an
	// anonymous read-only login.
	u := uuid.New()
	n := uint64(u[8])<<40 | uint64(u[9])<<32 | uint64(u[10])<<24 | uint64(u[11])<<16 | uint64(u[12])<<8 | uint64(u[13])
	return fmt.Sprintf("justinfan%d", n%100000000)
}

// Connect dials addr (plain "host:port" or TLS via UseTLS), registers
// anonymously, and starts the read loop. It blocks until the 001 welcome
// is received, ctx is cancelled, or dialing fails.
func (c *IRCClient) Connect(ctx context.Context, addr string, useTLS bool) error {
	c.mu.Lock()
	if c.state != IRCDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("Connect: already %s", c.state)
	}
	c.state = IRCConnecting
	c.mu.Unlock()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(IRCDisconnected)
		return &TransportError{Component: "IRCClient", Err: err}
	}
	if useTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: hostOnly(addr)})
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.nick = randomJustinfanNick()
	c.lastInput = time.Now()
	c.state = IRCRegistering
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	ready := make(chan struct{})
	go c.readLoop(loopCtx, ready)
	go c.keepaliveLoop(loopCtx)

	c.writeLine("CAP REQ :twitch.tv/tags twitch.tv/commands")
	c.writeLine("PASS SCHMOOPIIE")
	c.writeLine("NICK " + c.nick)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return &TransportError{Component: "IRCClient", Err: ctx.Err()}
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Join sends JOIN for each channel not already pending confirmation and
// arms a per-channel confirmation timer. Confirmation (or a JoinFailed
// timeout) arrives asynchronously via Events, not from this call.
func (c *IRCClient) Join(channels []string) {
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		c.mu.Lock()
		if _, ok := c.pending[ch]; ok {
			c.mu.Unlock()
			continue
		}
		confirmed := make(chan struct{})
		c.pending[ch] = confirmed
		c.mu.Unlock()

		c.writeLine("JOIN " + ch)
		go c.awaitJoin(ch, confirmed)
	}
}

func (c *IRCClient) awaitJoin(channel string, confirmed chan struct{}) {
	select {
	case <-confirmed:
	case <-time.After(joinConfirmTimeout):
		c.mu.Lock()
		_, stillPending := c.pending[channel]
		delete(c.pending, channel)
		c.mu.Unlock()
		if stillPending {
			c.emit(IRCEvent{Kind: EventJoinFailed, Channel: channel})
		}
	}
}

// LeaveAll sends PART for each of the given channels; the client does not
// track which channels it has joined.
func (c *IRCClient) LeaveAll(channels []string) {
	for _, ch := range channels {
		c.writeLine("PART " + normalizeChannel(ch))
	}
}

// Close transitions to Closing and tears down the socket. Idempotent.
func (c *IRCClient) Close() error {
	c.mu.Lock()
	if c.state == IRCDisconnected || c.state == IRCClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = IRCClosing
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(IRCDisconnected)
	return err
}

func (c *IRCClient) setState(s IRCState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *IRCClient) writeLine(line string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	logTrace(context.Background(), c.log, "irc >>", "line", line)
	_, _ = conn.Write([]byte(line + "\r\n"))
}

func (c *IRCClient) emit(ev IRCEvent) {
	select {
	case c.Events <- ev:
	default:
		c.log.Warn("irc event channel full, dropping event", "kind", ev.Kind)
	}
}

// keepaliveLoop sends a PING if the connection has been idle (no bytes
// received) for keepaliveIdle.
func (c *IRCClient) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastInput)
			c.mu.Unlock()
			if idle >= keepaliveIdle {
				c.writeLine("PING :tmi-keepalive")
			}
		}
	}
}

func (c *IRCClient) readLoop(ctx context.Context, ready chan struct{}) {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	defer close(done)

	s := bufio.NewScanner(conn)
	s.Buffer(make([]byte, 4096), 1<<20)
	s.Split(splitIRCLine)

	readyClosed := false
	closeReady := func() {
		if !readyClosed {
			readyClosed = true
			close(ready)
		}
	}

	for s.Scan() {
		line := s.Text()
		c.mu.Lock()
		c.lastInput = time.Now()
		c.mu.Unlock()
		logTrace(ctx, c.log, "irc <<", "line", line)

		msg, err := parseServerLine(line)
		if err != nil {
			c.log.Warn("irc protocol error", "err", err, "line", line)
			continue
		}
		if msg == nil {
			continue
		}
		switch strings.ToUpper(msg.command) {
		case "PING":
			c.writeLine("PONG :" + msg.trailing())
		case "001":
			c.setState(IRCReady)
			c.emit(IRCEvent{Kind: EventReady})
			closeReady()
		case "JOIN":
			c.handleJoinEcho(msg)
		case "PRIVMSG":
			c.handlePrivmsg(msg)
		}
	}

	reason := s.Err()
	if reason == nil {
		reason = fmt.Errorf("connection closed by peer")
	}
	c.setState(IRCDisconnected)
	closeReady()
	c.emit(IRCEvent{Kind: EventDisconnected, Err: &TransportError{Component: "IRCClient", Err: reason}})
}

func (c *IRCClient) handleJoinEcho(msg *serverLine) {
	if len(msg.params) == 0 {
		return
	}
	joinedNick, _, _ := strings.Cut(msg.prefix, "!")
	c.mu.Lock()
	mine := c.nick
	c.mu.Unlock()
	if !strings.EqualFold(joinedNick, mine) {
		return
	}
	ch := normalizeChannel(msg.params[0])
	c.mu.Lock()
	confirmed, ok := c.pending[ch]
	delete(c.pending, ch)
	c.mu.Unlock()
	if ok {
		close(confirmed)
		c.emit(IRCEvent{Kind: EventJoined, Channel: ch})
	}
}

func (c *IRCClient) handlePrivmsg(msg *serverLine) {
	if len(msg.params) == 0 {
		return
	}
	sender, _, _ := strings.Cut(msg.prefix, "!")
	c.emit(IRCEvent{
		Kind: EventMessage,
		Message: &ChatMessage{
			Channel:     normalizeChannel(msg.params[0]),
			SenderLower: strings.ToLower(sender),
			Tags:        msg.tags,
			Text:        msg.trailing(),
		},
	})
}

func normalizeChannel(ch string) string {
	ch = strings.ToLower(strings.TrimSpace(ch))
	if !strings.HasPrefix(ch, "#") {
		ch = "#" + ch
	}
	return ch
}

// serverLine is one parsed IRC server->client message:
// "[@tags] [:prefix] command params... [:trailing]".
type serverLine struct {
	tags    map[string]string
	prefix  string
	command string
	params  []string
}

func (m *serverLine) trailing() string {
	if len(m.params) == 0 {
		return ""
	}
	return m.params[len(m.params)-1]
}

// parseServerLine decodes one TMI server line. Unlike a bare client-command
// grammar, this direction must also decode the leading IRCv3
// "@tag=value;..." block.
func parseServerLine(line string) (*serverLine, error) {
	if line == "" {
		return nil, nil
	}
	msg := &serverLine{}

	if strings.HasPrefix(line, "@") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, &ProtocolError{Component: "IRCClient", Line: line, Err: fmt.Errorf("tags with no command")}
		}
		msg.tags = parseTags(line[1:sp])
		line = strings.TrimLeft(line[sp+1:], " ")
	}

	if strings.HasPrefix(line, ":") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, &ProtocolError{Component: "IRCClient", Line: line, Err: fmt.Errorf("prefix with no command")}
		}
		msg.prefix = line[1:sp]
		line = strings.TrimLeft(line[sp+1:], " ")
	}

	if colon := strings.IndexByte(line, ':'); colon >= 0 {
		before := strings.TrimRight(line[:colon], " ")
		var fields []string
		if before != "" {
			fields = strings.Fields(before)
		}
		if len(fields) == 0 {
			return nil, &ProtocolError{Component: "IRCClient", Line: line, Err: fmt.Errorf("no command")}
		}
		msg.command = fields[0]
		msg.params = append(fields[1:], line[colon+1:])
	} else {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, &ProtocolError{Component: "IRCClient", Line: line, Err: fmt.Errorf("no command")}
		}
		msg.command = fields[0]
		msg.params = fields[1:]
	}

	return msg, nil
}

// parseTags decodes the IRCv3 tag block (everything after "@", before the
// first space), unescaping the backslash-escapes IRCv3 defines for tag
// values (\s, \:, \\, \r, \n).
func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		key, val, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTagValue(val)
	}
	return tags
}

func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i+1 >= len(v) {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// splitIRCLine is bufio.SplitFunc over CRLF or bare LF; Twitch's TMI
// always sends CRLF but the scanner tolerates a lone LF for robustness.
func splitIRCLine(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		end := i
		if end > 0 && data[end-1] == '\r' {
			end--
		}
		return i + 1, data[0:end], nil
	}
	if atEOF {
		if len(data) == 0 {
			return 0, nil, nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

// BackoffSchedule computes the Controller's IRC reconnect delay:
// initial 1s, doubling, capped at 30s, ±10% jitter.
func BackoffSchedule(attempt int) time.Duration {
	base := time.Second
	maxDelay := 30 * time.Second
	d := base << attempt
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) // up to 20% range => ±10%
	return d - d/10 + jitter
}

// parseJustinfanDigits is used by tests asserting the nick shape.
func parseJustinfanDigits(nick string) (int, bool) {
	if !strings.HasPrefix(nick, "justinfan") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(nick, "justinfan"))
	return n, err == nil
}
