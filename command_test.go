package bridge

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseJoinArg(t *testing.T) {
	got, err := parseJoinArg("JOIN :#a,#b, #c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"#a", "#b", "#c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseJoinArgMissingList(t *testing.T) {
	if _, err := parseJoinArg("JOIN"); err == nil {
		t.Error("expected error for missing channel list")
	}
	if _, err := parseJoinArg("JOIN :"); err == nil {
		t.Error("expected error for empty channel list")
	}
}

func TestParseSimpleCommand(t *testing.T) {
	cases := map[string]CommandKind{
		"ON": CmdON, "OFF": CmdOFF, "CLEAR": CmdCLEAR, "PAUSE": CmdPAUSE, "RESUME": CmdRESUME,
	}
	for in, want := range cases {
		if got := parseSimpleCommand(in); got != want {
			t.Errorf("parseSimpleCommand(%q) = %v, want %v", in, got, want)
		}
	}
}

func startTestCommandServer(t *testing.T) (*CommandServer, func()) {
	t.Helper()
	log := NewLogger(LevelTrace, true, true)
	m := NewMetrics(nil)
	srv, err := NewCommandServer("127.0.0.1:0", "0.1.0-test", log, m)
	if err != nil {
		t.Fatalf("NewCommandServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	return srv, func() { cancel(); srv.Close() }
}

// autoRespond drains one request from srv.Requests and replies with reply,
// for tests that only care about the session side of the round trip.
func autoRespond(srv *CommandServer, reply CommandReply) {
	go func() {
		req := <-srv.Requests
		req.Respond(reply)
	}()
}

func TestCommandServerBannerAndHelp(t *testing.T) {
	srv, stop := startTestCommandServer(t)
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, _ := r.ReadString('\n')
	if !strings.HasPrefix(line, "matrixbridge ") {
		t.Errorf("banner line 1 = %q", line)
	}
	r.ReadString('\n') // "Type '?' ..."
	r.ReadString('\n') // "Hello ..."

	conn.Write([]byte("?\n"))
	first, _ := r.ReadString('\n')
	if strings.TrimRight(first, "\n") != helpLines[0] {
		t.Errorf("help line 1 = %q, want %q", first, helpLines[0])
	}
}

func TestCommandServerONDispatchesToController(t *testing.T) {
	srv, stop := startTestCommandServer(t)
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	r.ReadString('\n')
	r.ReadString('\n')
	r.ReadString('\n')

	autoRespond(srv, okReply("OK ON"))
	conn.Write([]byte("on\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if strings.TrimRight(reply, "\n") != "OK ON" {
		t.Errorf("reply = %q, want %q", reply, "OK ON")
	}
}

func TestCommandServerJoinParsesChannelsBeforeDispatch(t *testing.T) {
	srv, stop := startTestCommandServer(t)
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	r.ReadString('\n')
	r.ReadString('\n')
	r.ReadString('\n')

	var gotChannels []string
	go func() {
		req := <-srv.Requests
		gotChannels = req.Channels
		req.Respond(okReply("OK JOIN"))
	}()

	conn.Write([]byte("JOIN :#a,#b\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if strings.TrimRight(reply, "\n") != "OK JOIN" {
		t.Errorf("reply = %q", reply)
	}
	if len(gotChannels) != 2 || gotChannels[0] != "#a" || gotChannels[1] != "#b" {
		t.Errorf("dispatched channels = %v", gotChannels)
	}
}

func TestCommandServerTelnetModeSwitchesTerminatorAndBackspace(t *testing.T) {
	srv, stop := startTestCommandServer(t)
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	r.ReadString('\n')
	r.ReadString('\n')
	r.ReadString('\n')

	conn.Write([]byte("TELNET\n"))
	ok, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read TELNET ack: %v", err)
	}
	if !strings.Contains(ok, "OK TELNET") {
		t.Errorf("ack = %q", ok)
	}
	// banner resent, now CRLF-terminated.
	banner, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read resent banner: %v", err)
	}
	if !strings.HasSuffix(banner, "\r\n") {
		t.Errorf("post-TELNET banner not CRLF-terminated: %q", banner)
	}
	r.ReadString('\n')
	r.ReadString('\n')

	autoRespond(srv, okReply("OK ON"))
	// "ONN" with a backspace rubout should resolve to "ON".
	conn.Write([]byte("ONN\x08\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if strings.TrimRight(reply, "\r\n") != "OK ON" {
		t.Errorf("reply after backspace edit = %q, want OK ON", reply)
	}
}

func TestCommandServerAcceptPreemptsPriorSession(t *testing.T) {
	srv, stop := startTestCommandServer(t)
	defer stop()

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	r1 := bufio.NewReader(first)
	r1.ReadString('\n')
	r1.ReadString('\n')
	r1.ReadString('\n')

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r1.ReadByte()
	if err == nil {
		t.Error("expected first session's socket to be closed on second accept")
	}
}
