package admin

import (
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
)

// testConn builds a Conn detached from any descriptor so command handling
// can be exercised directly against the output buffer.
func testConn(t *testing.T, set *config.Settings) *Conn {
	t.Helper()
	if set == nil {
		media, err := config.NewMediaTypeSet([]string{"text/html", "image/*"})
		if err != nil {
			t.Fatalf("media set: %v", err)
		}
		set = &config.Settings{
			User:           "admin",
			Pass:           "secret",
			Media:          media,
			FilterCommand:  "cat",
			ReplacementMsg: "removed",
		}
	}
	return &Conn{
		fd:       -1,
		settings: set,
		coll:     &metrics.NoopCollector{},
		logger:   slog.Default(),
		in:       buffer.New(inBufSize),
		out:      buffer.New(outBufSize),
		state:    StateUser,
	}
}

// replies drains and returns the staged output lines.
func (c *Conn) replies() []string {
	out := string(c.out.ReadView())
	c.out.AdvanceRead(c.out.Len())
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func login(t *testing.T, c *Conn) {
	t.Helper()
	c.handleLine("USER admin")
	c.handleLine("PASS secret")
	c.replies()
	if c.state != StateConfig {
		t.Fatalf("state after login = %v, want CONFIG", c.state)
	}
}

func TestAuthenticationFlow(t *testing.T) {
	c := testConn(t, nil)

	c.handleLine("USER admin")
	if got := c.replies(); len(got) != 1 || got[0] != "+OK" {
		t.Fatalf("USER reply = %v", got)
	}
	if c.state != StatePass {
		t.Fatalf("state = %v, want PASS", c.state)
	}

	c.handleLine("PASS wrong")
	if got := c.replies(); len(got) != 1 || !strings.HasPrefix(got[0], "-ERR") {
		t.Fatalf("bad PASS reply = %v", got)
	}
	if c.state != StateUser {
		t.Fatalf("failed auth must return to USER, got %v", c.state)
	}

	c.handleLine("USER admin")
	c.handleLine("PASS secret")
	got := c.replies()
	if len(got) != 2 || got[1] != "+OK Logged in." {
		t.Fatalf("login replies = %v", got)
	}
	if c.state != StateConfig {
		t.Fatalf("state = %v, want CONFIG", c.state)
	}
}

func TestBcryptCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	media, _ := config.NewMediaTypeSet(nil)
	c := testConn(t, &config.Settings{User: "admin", Pass: string(hash), Media: media})

	c.handleLine("USER admin")
	c.handleLine("PASS s3cret")
	got := c.replies()
	if len(got) != 2 || got[1] != "+OK Logged in." {
		t.Fatalf("bcrypt login replies = %v", got)
	}

	c2 := testConn(t, &config.Settings{User: "admin", Pass: string(hash), Media: media})
	c2.handleLine("USER admin")
	c2.handleLine("PASS wrong")
	got = c2.replies()
	if len(got) != 2 || !strings.HasPrefix(got[1], "-ERR") {
		t.Fatalf("bcrypt reject replies = %v", got)
	}
}

func TestCommandsRequireAuth(t *testing.T) {
	c := testConn(t, nil)
	c.handleLine("STATS")
	if got := c.replies(); len(got) != 1 || !strings.HasPrefix(got[0], "-ERR") {
		t.Fatalf("unauthenticated STATS = %v", got)
	}
}

func TestCmdToggle(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)

	orig := c.settings.ETActivated
	c.handleLine("CMD")
	if c.settings.ETActivated == orig {
		t.Fatal("CMD did not toggle")
	}
	c.handleLine("CMD")
	if c.settings.ETActivated != orig {
		t.Fatal("double CMD did not restore")
	}
	got := c.replies()
	if len(got) != 2 || !strings.HasPrefix(got[0], "+OK") {
		t.Fatalf("CMD replies = %v", got)
	}
}

func TestCmdReplacesFilterCommand(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)

	c.handleLine("CMD sed s/a/b/g")
	c.replies()
	if c.settings.FilterCommand != "sed s/a/b/g" {
		t.Fatalf("FilterCommand = %q", c.settings.FilterCommand)
	}
}

func TestMsg(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)

	c.handleLine("MSG this part was removed")
	c.replies()
	if c.settings.ReplacementMsg != "this part was removed" {
		t.Fatalf("ReplacementMsg = %q", c.settings.ReplacementMsg)
	}

	c.handleLine("MSG")
	if got := c.replies(); !strings.HasPrefix(got[0], "-ERR") {
		t.Fatalf("bare MSG = %v", got)
	}
}

func TestBanUnbanList(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)

	c.handleLine("LIST")
	before := c.replies()

	c.handleLine("BAN audio/mpeg")
	if got := c.replies(); got[0] != "+OK Banned." {
		t.Fatalf("BAN = %v", got)
	}
	if !c.settings.Media.Contains("audio", "mpeg") {
		t.Fatal("BAN did not add")
	}

	c.handleLine("UNBAN audio/mpeg")
	if got := c.replies(); got[0] != "+OK Unbanned." {
		t.Fatalf("UNBAN = %v", got)
	}

	c.handleLine("LIST")
	after := c.replies()
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Fatalf("LIST changed after BAN/UNBAN: %v -> %v", before, after)
	}

	c.handleLine("BAN garbage")
	if got := c.replies(); !strings.HasPrefix(got[0], "-ERR") {
		t.Fatalf("BAN garbage = %v", got)
	}
}

func TestStats(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)

	coll := &metrics.NoopCollector{}
	coll.ConnectionOpened()
	coll.BytesTransferred(128)
	coll.MessageRetrieved()
	c.coll = coll

	c.handleLine("STATS")
	got := c.replies()
	if len(got) != 1 {
		t.Fatalf("STATS replies = %v", got)
	}
	for _, want := range []string{
		"concurrent_connections=1",
		"historical_accesses=1",
		"transferred_bytes=128",
		"retrieved_messages=1",
	} {
		if !strings.Contains(got[0], want) {
			t.Errorf("STATS %q missing %q", got[0], want)
		}
	}
}

func TestQuit(t *testing.T) {
	c := testConn(t, nil)
	c.handleLine("QUIT")
	if got := c.replies(); got[0] != "+OK Goodbye." {
		t.Fatalf("QUIT = %v", got)
	}
	if !c.quitting {
		t.Fatal("quitting not set")
	}
}

func TestUnknownConfigCommand(t *testing.T) {
	c := testConn(t, nil)
	login(t, c)
	c.handleLine("FROB")
	if got := c.replies(); !strings.HasPrefix(got[0], "-ERR") {
		t.Fatalf("unknown command = %v", got)
	}
}

func TestSplitCommand(t *testing.T) {
	if _, err := splitCommand("  "); err == nil {
		t.Error("blank line should error")
	}
	argv, err := splitCommand(" BAN  text/html ")
	if err != nil {
		t.Fatalf("splitCommand: %v", err)
	}
	if len(argv) != 2 || argv[0] != "BAN" || argv[1] != "text/html" {
		t.Errorf("argv = %v", argv)
	}
}
