// Package sse implements the stateful, line-oriented Server-Sent
// Events parser described in spec.md §4.1 and the wire format in
// spec.md §6.3. It never fails: malformed lines are silently ignored
// rather than reported as an error, so a single bad line never aborts
// a stream.
package sse

import (
	"strconv"
	"strings"
)

// Event is one dispatched SSE event. Data may be multi-line,
// concatenated with "\n" per the spec (spec.md §3, §4.1).
type Event struct {
	EventName string
	Data      string
	ID        string
	Retry     int
	HasRetry  bool
}

// IsDone reports whether this event is the provider's [DONE] sentinel
// (spec.md §4.1 tie-break: the parser still emits it as an ordinary
// event — it is the Coordinator's job to terminate on seeing it).
func (e Event) IsDone() bool {
	return e.Data == "[DONE]"
}

// Parser is the SSEParser state from spec.md §3: a pending partial
// line buffer plus the event accumulator under construction. It is
// owned exclusively by one stream's goroutine — no synchronization.
type Parser struct {
	pending []byte
	current Event
	hasAny  bool // true once any recognized field has been set on current
	hasData bool // true once a "data" line has been seen on current, even an empty one
}

// New returns a fresh Parser with no pending state.
func New() *Parser {
	return &Parser{}
}

// Feed appends bytes to the parser's internal buffer, splits on "\n",
// and processes every complete line. Any trailing incomplete line is
// retained in state for the next call. Returns the events dispatched
// by complete (blank-line-terminated) SSE records found in this call.
//
// Feed never fails — the parser has no error return, matching spec.md
// §4.1's "parser never fails" failure model.
func (p *Parser) Feed(b []byte) []Event {
	p.pending = append(p.pending, b...)

	var events []Event
	for {
		idx := indexNewline(p.pending)
		if idx < 0 {
			break
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]
		line = trimCR(line)

		if ev, ok := p.processLine(string(line)); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush is called at end-of-stream: it processes any still-pending
// partial line as a final line (SSE streams are not required to end
// with a trailing newline), then emits the accumulated event if one is
// in progress, and clears all state.
func (p *Parser) Flush() []Event {
	var events []Event

	if len(p.pending) > 0 {
		line := trimCR(p.pending)
		p.pending = nil
		if ev, ok := p.processLine(string(line)); ok {
			events = append(events, ev)
		}
	}

	if p.hasAny {
		events = append(events, p.current)
	}
	p.current = Event{}
	p.hasAny = false
	p.hasData = false

	return events
}

// processLine applies SSE line semantics (spec.md §4.1) to a single
// complete line and reports whether a blank line dispatched an event.
func (p *Parser) processLine(line string) (Event, bool) {
	switch {
	case line == "":
		// Blank line: dispatch the accumulated event if it has any
		// recognized field; reset the accumulator either way.
		if p.hasAny {
			ev := p.current
			p.current = Event{}
			p.hasAny = false
			p.hasData = false
			return ev, true
		}
		p.current = Event{}
		p.hasData = false
		return Event{}, false

	case strings.HasPrefix(line, ":"):
		// Comment / keep-alive line. Ignored.
		return Event{}, false

	default:
		field, value, ok := splitField(line)
		if !ok {
			// Malformed line (no colon). Ignore per spec.md §4.1.
			return Event{}, false
		}
		p.applyField(field, value)
		return Event{}, false
	}
}

// applyField sets/appends a recognized field on the in-progress event.
// Unknown fields are ignored.
func (p *Parser) applyField(field, value string) {
	switch field {
	case "event":
		p.current.EventName = value
		p.hasAny = true
	case "data":
		if p.hasData {
			p.current.Data += "\n" + value
		} else {
			p.current.Data = value
			p.hasData = true
		}
		p.hasAny = true
	case "id":
		p.current.ID = value
		p.hasAny = true
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			p.current.Retry = n
			p.current.HasRetry = true
			p.hasAny = true
		}
		// Parse failure: ignore the field, state unchanged (spec.md §8).
	}
}

// splitField parses a "field: value" or "field:value" line. A leading
// single space after the colon is stripped (spec.md §6.3).
func splitField(line string) (field, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	field = line[:i]
	value = line[i+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value, true
}

// indexNewline finds the index of the first '\n' in b, or -1.
func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// trimCR strips one trailing '\r', tolerating "\r\n" line endings
// (spec.md §6.3).
func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
