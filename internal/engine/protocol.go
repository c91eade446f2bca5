package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// fieldDelimiter separates the fields of a request line. Percent-encoded
// text never contains '|', so the delimiter cannot appear inside a prompt.
const fieldDelimiter = "||"

// Markers emitted by the engine on stdout.
const (
	inputReadyPrefix = "INPUT:"
	loadingLine      = "LOADING"
)

// EventKind identifies the variant carried by an Event.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventPrompt
	EventStream
	EventStop
	EventSequence
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventPrompt:
		return "prompt"
	case EventStream:
		return "stream"
	case EventStop:
		return "stop"
	case EventSequence:
		return "sequence"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one parsed protocol line.
//
// Count is set for Start and Done. Index is set for Stream, Stop and
// Sequence. Text is always decoded. Length and HitStop are set for Stop.
type Event struct {
	Kind    EventKind
	Index   int
	Count   int
	Text    string
	Length  int
	HitStop bool
}

// FinishReason reports why a sequence stopped generating.
func (e Event) FinishReason() string {
	if e.HitStop {
		return FinishStop
	}
	return FinishLength
}

// Finish reasons reported per sequence.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// ParseLine classifies one raw line of engine output into an Event. Lines
// that match no known prefix, or match one but carry malformed fields,
// return an error wrapping ErrUnrecognizedLine.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")

	tag, body, ok := strings.Cut(line, ":")
	if !ok {
		return Event{}, unrecognized(line)
	}

	switch tag {
	case "START", "DONE":
		count, err := strconv.Atoi(strings.TrimSpace(body))
		if err != nil || count < 0 {
			return Event{}, unrecognized(line)
		}
		kind := EventStart
		if tag == "DONE" {
			kind = EventDone
		}
		return Event{Kind: kind, Count: count}, nil
	case "PROMPT":
		text, err := DecodeText(body)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedLine, err)
		}
		return Event{Kind: EventPrompt, Text: text}, nil
	}

	kind, index, ok := indexedTag(tag)
	if !ok {
		return Event{}, unrecognized(line)
	}

	switch kind {
	case EventStream, EventSequence:
		text, err := DecodeText(body)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedLine, err)
		}
		return Event{Kind: kind, Index: index, Text: text}, nil
	default:
		return parseStop(line, index, body)
	}
}

// parseStop accepts both STOP<i>:<text>:<length>:<hitStop> and the
// text-less STOP<i>:<length>:<hitStop> the engine prints.
func parseStop(line string, index int, body string) (Event, error) {
	fields := strings.Split(body, ":")
	var encoded string
	switch len(fields) {
	case 2:
	case 3:
		encoded = fields[0]
		fields = fields[1:]
	default:
		return Event{}, unrecognized(line)
	}

	length, err := strconv.Atoi(fields[0])
	if err != nil || length < 0 {
		return Event{}, unrecognized(line)
	}
	var hit bool
	switch fields[1] {
	case "0":
	case "1":
		hit = true
	default:
		return Event{}, unrecognized(line)
	}

	text, err := DecodeText(encoded)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnrecognizedLine, err)
	}
	return Event{Kind: EventStop, Index: index, Text: text, Length: length, HitStop: hit}, nil
}

func indexedTag(tag string) (EventKind, int, bool) {
	var (
		kind   EventKind
		digits string
	)
	switch {
	case strings.HasPrefix(tag, "STREAM"):
		kind, digits = EventStream, tag[len("STREAM"):]
	case strings.HasPrefix(tag, "STOP"):
		kind, digits = EventStop, tag[len("STOP"):]
	case strings.HasPrefix(tag, "SEQUENCE"):
		kind, digits = EventSequence, tag[len("SEQUENCE"):]
	default:
		return 0, 0, false
	}
	if digits == "" {
		return 0, 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, 0, false
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, 0, false
	}
	return kind, index, true
}

func unrecognized(line string) error {
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	return fmt.Errorf("%w: %q", ErrUnrecognizedLine, line)
}

// isLoadingLine reports whether line announces that model weights are being
// loaded.
func isLoadingLine(line, marker string) bool {
	// Generated text may legitimately contain the marker.
	for _, prefix := range []string{"STREAM", "SEQUENCE", "STOP", "PROMPT:"} {
		if strings.HasPrefix(line, prefix) {
			return false
		}
	}
	if strings.TrimSpace(line) == loadingLine {
		return true
	}
	return marker != "" && strings.Contains(line, marker)
}

func isInputReadyLine(line string) bool {
	return strings.HasPrefix(line, inputReadyPrefix)
}

// EncodeText percent-encodes every byte outside the RFC 3986 unreserved set,
// using upper-case hex digits. This matches the engine's decoder.
func EncodeText(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// DecodeText reverses EncodeText. '+' is kept literally.
func DecodeText(s string) (string, error) {
	return url.PathUnescape(s)
}

// EncodeRequest renders req as a single engine input line.
func EncodeRequest(req Request) (string, error) {
	if err := req.validate(0); err != nil {
		return "", err
	}
	prompt := EncodeText(req.Prompt)
	if strings.Contains(prompt, fieldDelimiter) || strings.ContainsAny(prompt, "\r\n") {
		return "", fmt.Errorf("%w: encoded prompt contains a reserved sequence", ErrInvalidRequest)
	}
	return strings.Join([]string{
		prompt,
		strconv.Itoa(req.N),
		strconv.Itoa(req.MaxTokens),
	}, fieldDelimiter), nil
}

// DecodeRequest parses a line produced by EncodeRequest.
func DecodeRequest(line string) (Request, error) {
	parts := strings.Split(line, fieldDelimiter)
	if len(parts) != 3 {
		return Request{}, errors.New("request line must have three fields")
	}
	prompt, err := DecodeText(parts[0])
	if err != nil {
		return Request{}, fmt.Errorf("decode prompt: %w", err)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return Request{}, fmt.Errorf("parse sequence count: %w", err)
	}
	maxTokens, err := strconv.Atoi(parts[2])
	if err != nil {
		return Request{}, fmt.Errorf("parse max tokens: %w", err)
	}
	return Request{Prompt: prompt, N: n, MaxTokens: maxTokens}, nil
}
