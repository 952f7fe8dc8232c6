package circuit

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/relay-throughput/control"
	"github.com/m-lab/relay-throughput/spec"
)

type exchange struct {
	cmd  string // empty for an Await without a command
	resp string
	err  error
}

// fakeControl replays a script of expected commands and their replies.
type fakeControl struct {
	t      *testing.T
	script []exchange
	sent   []string
}

func (f *fakeControl) next(cmd string) (string, error) {
	f.t.Helper()
	if len(f.script) == 0 {
		f.t.Fatalf("unexpected command %q", cmd)
	}
	e := f.script[0]
	f.script = f.script[1:]
	if e.cmd != cmd {
		f.t.Fatalf("got command %q, want %q", cmd, e.cmd)
	}
	return e.resp, e.err
}

func (f *fakeControl) Command(cmd string) (string, error) {
	f.sent = append(f.sent, cmd)
	return f.next(cmd)
}

func (f *fakeControl) Send(cmd string) error {
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeControl) Await(extra ...string) (string, error) {
	return f.next("")
}

func (f *fakeControl) done() {
	f.t.Helper()
	if len(f.script) != 0 {
		f.t.Errorf("%d exchanges not consumed, next %q", len(f.script), f.script[0].cmd)
	}
}

var (
	guard  = Hop{Nickname: "gnick", Fingerprint: "AAAA"}
	middle = Hop{Nickname: "mnick", Fingerprint: "BBBB"}
	exit   = Hop{Nickname: "enick", Fingerprint: "CCCC"}
)

func TestOrchestrator_Bootstrap(t *testing.T) {
	var script []exchange
	for _, cmd := range spec.BootstrapCommands {
		script = append(script, exchange{cmd: cmd, resp: "250 OK\r\n"})
	}
	f := &fakeControl{t: t, script: script}
	if err := New(f).Bootstrap(); err != nil {
		t.Fatal(err)
	}
	f.done()

	script[3].resp = "552 Unrecognized option\r\n"
	f = &fakeControl{t: t, script: script[:4]}
	if err := New(f).Bootstrap(); !errors.Is(err, control.ErrProtocol) {
		t.Errorf("Bootstrap() err = %v, want ErrProtocol", err)
	}
	f.done()
}

func TestOrchestrator_TearDown(t *testing.T) {
	f := &fakeControl{t: t, script: []exchange{
		{cmd: "getinfo circuit-status", resp: "250+circuit-status=\r\n4 BUILT a,b,c PURPOSE=GENERAL\r\n9 EXTENDED a PURPOSE=GENERAL\r\n.\r\n250 OK\r\n"},
		{cmd: "closecircuit 4", resp: "250 OK\r\n"},
		{cmd: "closecircuit 9", resp: "552 Unknown circuit \"9\"\r\n"},
	}}
	if err := New(f).TearDown(); err != nil {
		t.Fatal(err)
	}
	f.done()
}

func TestOrchestrator_Extend(t *testing.T) {
	const cmd = "extendcircuit 0 gnick,BBBB,enick"
	tests := []struct {
		name    string
		count   int
		script  []exchange
		wantID  uint32
		wantErr error
	}{
		{
			name:   "success",
			count:  1,
			script: []exchange{{cmd: cmd, resp: "250 EXTENDED 12\r\n"}},
			wantID: 12,
		},
		{
			name:    "no-such-router",
			count:   1,
			script:  []exchange{{cmd: cmd, resp: "552 No such router \"BBBB\"\r\n"}},
			wantErr: ErrBuildFailed,
		},
		{
			name:  "retry-keeps-last-success",
			count: 3,
			script: []exchange{
				{cmd: cmd, resp: "250 EXTENDED 5\r\n"},
				{cmd: cmd, resp: "552 No such router\r\n"},
				{cmd: cmd, resp: "250 EXTENDED 6\r\n"},
			},
			wantID: 6,
		},
		{
			name:    "control-io",
			count:   2,
			script:  []exchange{{cmd: cmd, err: control.ErrIO}},
			wantErr: control.ErrIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeControl{t: t, script: tt.script}
			o := New(f)
			o.CreationCount = tt.count
			c, err := o.Extend(guard, middle, exit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Extend() err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if c.ID != tt.wantID || c.Middle != middle {
				t.Errorf("Extend() = %+v", c)
			}
			f.done()
		})
	}
}

func TestHop_Matches(t *testing.T) {
	h := Hop{Nickname: "relay1", Fingerprint: "$ABCDEF"}
	for token, want := range map[string]bool{
		"relay1":         true,
		"ABCDEF":         true,
		"$abcdef":        true,
		"$ABCDEF~relay1": true,
		"$FFFFFF=relay1": true,
		"$FFFFFF~relay2": false,
		"relay":          false,
		"":               false,
	} {
		if got := h.Matches(token); got != want {
			t.Errorf("Matches(%q) = %v, want %v", token, got, want)
		}
	}
}

func TestOrchestrator_Verify(t *testing.T) {
	c := Circuit{ID: 3, Guard: guard, Middle: middle, Exit: exit}
	tests := []struct {
		name    string
		resp    string
		wantErr bool
	}{
		{"nicknames", "250-circuit-status=3 BUILT gnick,mnick,enick PURPOSE=GENERAL\r\n250 OK\r\n", false},
		{"fingerprints", "250-circuit-status=3 BUILT $AAAA,$BBBB,$CCCC PURPOSE=GENERAL\r\n250 OK\r\n", false},
		{"mixed", "250-circuit-status=3 BUILT $AAAA~gnick,mnick,$CCCC=enick PURPOSE=GENERAL TIME_CREATED=2024-01-01T00:00:00.000000\r\n250 OK\r\n", false},
		{"wrong-middle", "250-circuit-status=3 BUILT gnick,other,enick PURPOSE=GENERAL\r\n250 OK\r\n", true},
		{"not-built", "250-circuit-status=3 EXTENDED gnick,mnick,enick PURPOSE=GENERAL\r\n250 OK\r\n", true},
		{"wrong-purpose", "250-circuit-status=3 BUILT gnick,mnick,enick PURPOSE=HS_CLIENT_REND\r\n250 OK\r\n", true},
		{"partial-path", "250-circuit-status=3 BUILT gnick,mnick,enick. PURPOSE=GENERAL\r\n250 OK\r\n", true},
		{"two-hops", "250-circuit-status=3 BUILT gnick,mnick PURPOSE=GENERAL\r\n250 OK\r\n", true},
		{"empty", "250-circuit-status=\r\n250 OK\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeControl{t: t, script: []exchange{{cmd: "getinfo circuit-status", resp: tt.resp}}}
			err := New(f).Verify(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrWronglyRouted) {
				t.Errorf("Verify() err = %v, want ErrWronglyRouted", err)
			}
		})
	}
}

func TestOrchestrator_AttachStream(t *testing.T) {
	c := Circuit{ID: 8, Guard: guard, Middle: middle, Exit: exit}
	tests := []struct {
		name       string
		script     []exchange
		connectErr error
		want       Stream
		wantErr    error
	}{
		{
			name: "success",
			script: []exchange{
				{cmd: "setevents stream", resp: "250 OK\r\n"},
				{resp: "650 STREAM 21 NEW 0 10.0.0.1:8080 SOURCE_ADDR=127.0.0.1:40000\r\n"},
				{cmd: "setevents", resp: "250 OK\r\n"},
				{cmd: "attachstream 21 8", resp: "250 OK\r\n"},
			},
			want: Stream{ID: 21, CircuitID: 8},
		},
		{
			name: "event-after-noise",
			script: []exchange{
				{cmd: "setevents stream", resp: "250 OK\r\n"},
				{resp: "250 OK\r\n"},
				{resp: "650 STREAM 22 NEW 0 10.0.0.1:8080\r\n"},
				{cmd: "setevents", resp: "650 STREAM 22 DETACHED 0 10.0.0.1:8080\r\n250 OK\r\n"},
				{cmd: "attachstream 22 8", resp: "250 OK\r\n"},
			},
			want: Stream{ID: 22, CircuitID: 8},
		},
		{
			name: "attach-rejected",
			script: []exchange{
				{cmd: "setevents stream", resp: "250 OK\r\n"},
				{resp: "650 STREAM 23 NEW 0 10.0.0.1:8080\r\n"},
				{cmd: "setevents", resp: "250 OK\r\n"},
				{cmd: "attachstream 23 8", resp: "551 Can't attach stream to non-open origin circuit\r\n"},
			},
			wantErr: ErrStreamAttach,
		},
		{
			name: "connect-fails",
			script: []exchange{
				{cmd: "setevents stream", resp: "250 OK\r\n"},
				{cmd: "setevents", resp: "250 OK\r\n"},
			},
			connectErr: errors.New("broken pipe"),
		},
		{
			name: "lost-control",
			script: []exchange{
				{cmd: "setevents stream", resp: "250 OK\r\n"},
				{err: control.ErrIO},
			},
			wantErr: control.ErrIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeControl{t: t, script: tt.script}
			connected := false
			s, err := New(f).AttachStream(c, func() error {
				connected = true
				return tt.connectErr
			})
			if !connected {
				t.Error("connect was not called")
			}
			if tt.connectErr != nil {
				if err != tt.connectErr {
					t.Errorf("AttachStream() err = %v, want %v", err, tt.connectErr)
				}
				f.done()
				return
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AttachStream() err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s != tt.want {
				t.Errorf("AttachStream() = %+v, want %+v", s, tt.want)
			}
			f.done()
		})
	}
}

type reply struct {
	cmd   string
	parts []string
}

// servePort plays a control port that answers each expected command with
// a reply written in several parts.
func servePort(t *testing.T, conn net.Conn, script []reply) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for _, e := range script {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if got := strings.TrimSuffix(line, "\n"); got != e.cmd {
			t.Errorf("got command %q, want %q", got, e.cmd)
			return
		}
		for _, p := range e.parts {
			if _, err := conn.Write([]byte(p)); err != nil {
				return
			}
		}
	}
}

func TestOrchestrator_SplitReplies(t *testing.T) {
	client, server := net.Pipe()
	go servePort(t, server, []reply{
		{cmd: "extendcircuit 0 gnick,BBBB,enick", parts: []string{"250 EXTENDED", " 7\r\n"}},
		{cmd: "setevents stream", parts: []string{"250 OK\r\n", "650 STREAM 21 NE", "W 0 10.0.0.1:8080\r\n"}},
		{cmd: "setevents", parts: []string{"250 O", "K\r\n"}},
		{cmd: "attachstream 21 7", parts: []string{"250 OK", "\r\n"}},
	})
	ctl := control.New(client)
	defer ctl.Close()
	ctl.Timeout = 2 * time.Second
	o := New(ctl)
	o.CreationCount = 1

	c, err := o.Extend(guard, middle, exit)
	if err != nil {
		t.Fatalf("Extend() = %v", err)
	}
	if c.ID != 7 {
		t.Errorf("Extend() id = %d, want 7", c.ID)
	}
	s, err := o.AttachStream(c, func() error { return nil })
	if err != nil {
		t.Fatalf("AttachStream() = %v", err)
	}
	if want := (Stream{ID: 21, CircuitID: 7}); s != want {
		t.Errorf("AttachStream() = %+v, want %+v", s, want)
	}
}
