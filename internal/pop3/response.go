package pop3

import "bytes"

// MaxStatusLine caps the origin's first response line. Origins that exceed
// it are treated as broken.
const MaxStatusLine = 512

// Response is the parsed reply to one queued request.
type Response struct {
	// OK distinguishes +OK from -ERR.
	OK bool

	// Line is the complete first line including the status indicator,
	// without the trailing CRLF.
	Line string
}

// RespState is the response parser's phase.
type RespState int

const (
	// RespStatus is reading the first line.
	RespStatus RespState = iota
	// RespBody is inside a multi-line body.
	RespBody
	// RespDone holds a complete response.
	RespDone
	// RespError marks a malformed origin reply.
	RespError
)

// ResponseParser consumes origin bytes incrementally. The first line
// populates the Response; for multi-line verbs the body phase runs a
// terminator scan so the caller knows where the reply ends. Body bytes are
// not retained except for CAPA, whose capability list the engine needs for
// pipelining detection and rewriting.
type ResponseParser struct {
	state     RespState
	multiline bool
	capa      bool

	line     []byte
	sawCR    bool
	resp     Response
	firstEnd bool

	scanner BodyScanner

	// capaBody accumulates the raw capability list (body bytes up to but
	// not including the terminating ".\r\n") when capa is set.
	capaBody []byte
}

// NewResponseParser returns a parser bound to the shape of one request.
// multiline applies only when the first line carries +OK; an -ERR reply is
// always single-line. capa additionally accumulates the body.
func NewResponseParser(multiline, capa bool) *ResponseParser {
	p := &ResponseParser{}
	p.Reset(multiline, capa)
	return p
}

// Reset rebinds the parser for the next response.
func (p *ResponseParser) Reset(multiline, capa bool) {
	p.state = RespStatus
	p.multiline = multiline
	p.capa = capa
	p.line = p.line[:0]
	p.sawCR = false
	p.resp = Response{}
	p.firstEnd = false
	p.scanner.Reset()
	p.capaBody = p.capaBody[:0]
}

// State returns the parser phase.
func (p *ResponseParser) State() RespState {
	return p.state
}

// Done reports whether the full response has been consumed.
func (p *ResponseParser) Done() bool {
	return p.state == RespDone
}

// FirstLineDone reports whether the status line is complete, so the caller
// can inspect OK and divert the body elsewhere.
func (p *ResponseParser) FirstLineDone() bool {
	return p.firstEnd
}

// Response returns the parsed first line. Valid once FirstLineDone.
func (p *ResponseParser) Response() Response {
	return p.resp
}

// CapaResponse returns the accumulated raw capability list.
func (p *ResponseParser) CapaResponse() []byte {
	return p.capaBody
}

// Consume feeds origin bytes and returns how many were used. It stops at
// the end of the status line (so the caller can inspect it before feeding
// the body) and at the end of the response.
func (p *ResponseParser) Consume(data []byte) int {
	switch p.state {
	case RespStatus:
		return p.consumeStatus(data)
	case RespBody:
		return p.consumeBody(data)
	default:
		return 0
	}
}

func (p *ResponseParser) consumeStatus(data []byte) int {
	for i, c := range data {
		if c == '\n' {
			p.finishStatus(p.line)
			return i + 1
		}
		if c == '\r' {
			p.sawCR = true
			continue
		}
		if p.sawCR {
			// CR not followed by LF inside the status line.
			p.state = RespError
			return i
		}
		if len(p.line) >= MaxStatusLine {
			p.state = RespError
			return i
		}
		p.line = append(p.line, c)
	}
	return len(data)
}

func (p *ResponseParser) finishStatus(line []byte) {
	p.firstEnd = true
	p.resp.Line = string(line)
	switch {
	case bytes.HasPrefix(line, []byte("+OK")):
		p.resp.OK = true
	case bytes.HasPrefix(line, []byte("-ERR")):
		p.resp.OK = false
	default:
		p.state = RespError
		return
	}
	if p.multiline && p.resp.OK {
		p.state = RespBody
	} else {
		p.state = RespDone
	}
}

func (p *ResponseParser) consumeBody(data []byte) int {
	n, done := p.scanner.Scan(data)
	if p.capa {
		p.capaBody = append(p.capaBody, data[:n]...)
	}
	if done {
		if p.capa {
			// Drop the terminating ".\r\n" (and its leading CRLF stays: the
			// list is CRLF-separated lines).
			p.capaBody = trimTerminator(p.capaBody)
		}
		p.state = RespDone
	}
	return n
}

// trimTerminator removes the trailing ".\r\n" of a complete body.
func trimTerminator(body []byte) []byte {
	if bytes.HasSuffix(body, []byte(".\r\n")) {
		return body[:len(body)-3]
	}
	return body
}

// HasCapability reports whether a raw CAPA body advertises the named
// capability, comparing the first word of each line case-insensitively.
func HasCapability(capaBody []byte, name string) bool {
	for _, line := range bytes.Split(capaBody, []byte("\r\n")) {
		line = bytes.TrimSuffix(line, []byte("\r")) // stray CR of a CR CR LF line end; bare-LF lines are not split
		word := line
		if i := bytes.IndexByte(line, ' '); i >= 0 {
			word = line[:i]
		}
		if len(word) == len(name) && FieldNameEqual(string(word), name) {
			return true
		}
	}
	return false
}

// InjectCapability returns a CAPA body that is guaranteed to advertise the
// named capability, appending a line before the implicit terminator when
// absent. The input and output are raw bodies without the ".\r\n"
// terminator.
func InjectCapability(capaBody []byte, name string) []byte {
	if HasCapability(capaBody, name) {
		return capaBody
	}
	out := make([]byte, 0, len(capaBody)+len(name)+2)
	out = append(out, capaBody...)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\r\n")) {
		out = append(out, '\r', '\n')
	}
	out = append(out, name...)
	out = append(out, '\r', '\n')
	return out
}
