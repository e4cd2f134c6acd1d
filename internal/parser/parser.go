// Package parser extracts timestamped messages from raw channel dumps.
//
// A dump is a sequence of messages. Each message starts with a bracketed
// timestamp, for example
//
//	[2024-01-01 10:00:00+00:00] first line of the message
//	more lines
//	[MESSAGE_LINK:https://t.me/channel/42]
//
// Lines are accumulated until the next timestamp marker. Messages that never
// received a valid timestamp are discarded.
package parser

import (
	"bufio"
	"io"
	"strings"
	"time"
)

const (
	// linkPrefix marks a permalink annotation line
	linkPrefix = "[MESSAGE_LINK:"

	// timestampToken is the year prefix that makes a bracket a timestamp candidate
	timestampToken = "[202"

	maxLineSize = 1024 * 1024
)

// timestampLayouts are tried in order. The first matches the way the dump
// writer renders Python datetimes ("+00:00"), the second accepts "+0000".
var timestampLayouts = []string{
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-0700",
}

// Message is a single parsed message
type Message struct {
	Timestamp time.Time
	Text      string
	Link      string // Empty when the dump has no permalink for the message
}

// Scanner reads messages from a dump one at a time.
// Usage mirrors bufio.Scanner:
//
//	sc := parser.NewScanner(r)
//	for sc.Scan() {
//		msg := sc.Message()
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	lines *bufio.Scanner

	// message being accumulated
	ts      time.Time
	hasTS   bool
	body    []string
	link    string
	started bool

	queue     []Message
	current   Message
	done      bool
	discarded int
}

// NewScanner returns a Scanner reading from r
func NewScanner(r io.Reader) *Scanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{lines: lines}
}

// Scan advances to the next message. It returns false at end of input or
// on a read error.
func (s *Scanner) Scan() bool {
	for len(s.queue) == 0 {
		if s.done {
			return false
		}
		if !s.lines.Scan() {
			s.done = true
			s.flush()
			continue
		}
		s.consume(s.lines.Text())
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

// Message returns the message produced by the last call to Scan
func (s *Scanner) Message() Message {
	return s.current
}

// Err returns the first non-EOF read error
func (s *Scanner) Err() error {
	return s.lines.Err()
}

// Discarded returns how many accumulated messages were dropped because they
// had no timestamp
func (s *Scanner) Discarded() int {
	return s.discarded
}

func (s *Scanner) consume(raw string) {
	line := strings.TrimRight(raw, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if strings.HasPrefix(trimmed, linkPrefix) {
		link := strings.TrimPrefix(trimmed, linkPrefix)
		if i := strings.LastIndex(link, "]"); i >= 0 {
			link = link[:i]
		}
		s.link = strings.TrimSpace(link)
		s.started = true
		return
	}

	if before, ts, after, ok := splitTimestamp(line); ok {
		if before = strings.TrimSpace(before); before != "" {
			s.body = append(s.body, before)
			s.started = true
		}
		s.flush()
		s.ts = ts
		s.hasTS = true
		s.started = true
		if after = strings.TrimSpace(after); after != "" {
			s.body = append(s.body, after)
		}
		return
	}

	s.body = append(s.body, trimmed)
	s.started = true
}

// flush emits the accumulated message (if it has a timestamp) and resets
// the accumulator
func (s *Scanner) flush() {
	if s.hasTS {
		s.queue = append(s.queue, Message{
			Timestamp: s.ts,
			Text:      strings.TrimSpace(strings.Join(s.body, "\n")),
			Link:      s.link,
		})
	} else if s.started {
		s.discarded++
	}
	s.ts = time.Time{}
	s.hasTS = false
	s.body = nil
	s.link = ""
	s.started = false
}

// splitTimestamp finds the first bracketed token on the line that parses
// as a timestamp. It returns the text before and after the token.
func splitTimestamp(line string) (before string, ts time.Time, after string, ok bool) {
	offset := 0
	for {
		i := strings.Index(line[offset:], timestampToken)
		if i < 0 {
			return "", time.Time{}, "", false
		}
		start := offset + i
		end := strings.IndexByte(line[start:], ']')
		if end < 0 {
			return "", time.Time{}, "", false
		}
		end += start
		if parsed, err := ParseTimestamp(line[start+1 : end]); err == nil {
			return line[:start], parsed, line[end+1:], true
		}
		offset = start + 1
	}
}

// ParseTimestamp parses a dump timestamp such as "2024-01-01 10:00:00+00:00"
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		ts, err = time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

// ParseString parses a whole dump held in memory
func ParseString(text string) ([]Message, error) {
	sc := NewScanner(strings.NewReader(text))
	var out []Message
	for sc.Scan() {
		out = append(out, sc.Message())
	}
	return out, sc.Err()
}
