package pop3

import (
	"strings"
	"testing"
)

func TestResponseParserSingleLine(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{"ok", "+OK ready\r\n", true},
		{"err", "-ERR no such message\r\n", false},
		{"ok bare", "+OK\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewResponseParser(false, false)
			n := p.Consume([]byte(tt.input))
			if n != len(tt.input) {
				t.Errorf("Consume = %d, want %d", n, len(tt.input))
			}
			if !p.Done() {
				t.Fatal("not done")
			}
			resp := p.Response()
			if resp.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", resp.OK, tt.wantOK)
			}
			if want := strings.TrimSuffix(tt.input, "\r\n"); resp.Line != want {
				t.Errorf("Line = %q, want %q", resp.Line, want)
			}
		})
	}
}

func TestResponseParserRejectsGarbage(t *testing.T) {
	p := NewResponseParser(false, false)
	p.Consume([]byte("HELLO\r\n"))
	if p.State() != RespError {
		t.Fatalf("state = %v, want RespError", p.State())
	}
}

func TestResponseParserMultiLine(t *testing.T) {
	p := NewResponseParser(true, false)
	input := "+OK 2 messages\r\nline one\r\nline two\r\n.\r\n"

	// First call stops at the end of the status line.
	n := p.Consume([]byte(input))
	if !p.FirstLineDone() {
		t.Fatal("first line not done")
	}
	if p.Done() {
		t.Fatal("done too early")
	}
	rest := input[n:]
	n2 := p.Consume([]byte(rest))
	if !p.Done() {
		t.Fatal("not done after body")
	}
	if n+n2 != len(input) {
		t.Errorf("consumed %d, want %d", n+n2, len(input))
	}
}

func TestResponseParserErrSkipsBody(t *testing.T) {
	p := NewResponseParser(true, false)
	p.Consume([]byte("-ERR nope\r\n"))
	if !p.Done() {
		t.Fatal("an -ERR reply is single-line even for multi-line verbs")
	}
}

func TestResponseParserSplitTerminator(t *testing.T) {
	// The terminator split across two reads parses identically to the
	// single-packet form.
	chunks := []string{"+OK\r\nBODY\r", "\n.", "\r\n"}
	p := NewResponseParser(true, false)
	for _, c := range chunks {
		data := []byte(c)
		for len(data) > 0 && !p.Done() {
			n := p.Consume(data)
			data = data[n:]
		}
	}
	if !p.Done() {
		t.Fatal("split terminator not recognized")
	}
}

func TestResponseParserCapaAccumulates(t *testing.T) {
	p := NewResponseParser(true, true)
	input := "+OK capability list follows\r\nTOP\r\nUIDL\r\nPIPELINING\r\n.\r\n"
	data := []byte(input)
	for len(data) > 0 && !p.Done() {
		n := p.Consume(data)
		data = data[n:]
	}
	if !p.Done() {
		t.Fatal("not done")
	}
	got := string(p.CapaResponse())
	want := "TOP\r\nUIDL\r\nPIPELINING\r\n"
	if got != want {
		t.Errorf("CapaResponse = %q, want %q", got, want)
	}
}

func TestHasCapability(t *testing.T) {
	body := []byte("TOP\r\nUIDL\r\npipelining\r\nSASL PLAIN\r\n")
	tests := []struct {
		cap  string
		want bool
	}{
		{"PIPELINING", true},
		{"TOP", true},
		{"SASL", true},
		{"USER", false},
		{"PIPE", false},
	}
	for _, tt := range tests {
		if got := HasCapability(body, tt.cap); got != tt.want {
			t.Errorf("HasCapability(%q) = %v, want %v", tt.cap, got, tt.want)
		}
	}
}

func TestInjectCapability(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "absent gets appended",
			body: "TOP\r\nUIDL\r\n",
			want: "TOP\r\nUIDL\r\nPIPELINING\r\n",
		},
		{
			name: "present unchanged",
			body: "TOP\r\nPIPELINING\r\nUIDL\r\n",
			want: "TOP\r\nPIPELINING\r\nUIDL\r\n",
		},
		{
			name: "case-insensitive match",
			body: "pipelining\r\n",
			want: "pipelining\r\n",
		},
		{
			name: "empty body",
			body: "",
			want: "PIPELINING\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(InjectCapability([]byte(tt.body), "PIPELINING"))
			if got != tt.want {
				t.Errorf("InjectCapability = %q, want %q", got, tt.want)
			}
		})
	}
}
