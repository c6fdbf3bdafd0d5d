// Package protocol is the RelexBox wire codec: state frame parsing and
// outbound command formatting. Everything here is pure.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// cSpell:ignore CMDRL CMDGR CMDPRST

// Channels is the number of relays and the number of inputs on a box.
const Channels = 8

const (
	RelaysMarker = "##RELAYS: "
	InputsMarker = "##INPUTS: "
	markerLen    = 10
)

type Kind uint8

const (
	Relays Kind = iota
	Inputs
)

func (k Kind) String() string {
	switch k {
	case Relays:
		return "relays"
	case Inputs:
		return "inputs"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ChannelVector holds one bool per channel; channel N is index N-1.
// It is an array so every assignment is a copy.
type ChannelVector [Channels]bool

// String renders the vector the way the box does, e.g. "10000001".
func (v ChannelVector) String() string {
	var b strings.Builder
	b.Grow(Channels)
	for _, on := range v {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Channel returns the state of 1-based channel n (false when out of range).
func (v ChannelVector) Channel(n int) bool {
	if n < 1 || n > Channels {
		return false
	}
	return v[n-1]
}

// Frame is one decoded "##RELAYS: "/"##INPUTS: " payload.
// Valid[i] is false where the payload character was not a digit; such
// indices must leave the previous value alone.
type Frame struct {
	Kind  Kind
	Bits  ChannelVector
	Valid [Channels]bool
}

/* =========================
   Inbound
   ========================= */

// ParseStateFrames returns every complete frame in raw, in the order the
// markers appear. A marker is skipped when fewer than 8 characters follow
// it or when another marker starts inside its payload: in both cases the
// frame was cut short and none of it is applied.
func ParseStateFrames(raw []byte) []Frame {
	text := string(raw)
	var frames []Frame

	for pos := 0; pos < len(text); {
		rel := strings.Index(text[pos:], "##")
		if rel < 0 {
			break
		}
		at := pos + rel
		kind, ok := markerAt(text, at)
		if !ok {
			pos = at + 1
			continue
		}
		start := at + markerLen
		payload, st := scanPayload(text, start)
		if st == payloadComplete {
			frames = append(frames, decodePayload(kind, payload))
		}
		pos = start
	}
	return frames
}

// ParseStateFrame returns the first complete frame in raw.
func ParseStateFrame(raw []byte) (Frame, bool) {
	frames := ParseStateFrames(raw)
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[0], true
}

// IncompleteTail returns the offset of a trailing marker whose frame has
// not fully arrived yet, or -1. Callers keep raw[offset:] and prepend it to
// the next read.
func IncompleteTail(raw []byte) int {
	text := string(raw)
	start := len(text) - (markerLen + Channels*utf8.UTFMax - 1)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(text); i++ {
		if text[i] != '#' {
			continue
		}
		rest := text[i:]
		for _, marker := range [...]string{RelaysMarker, InputsMarker} {
			if len(rest) < len(marker) {
				if strings.HasPrefix(marker, rest) {
					return i
				}
				continue
			}
			if !strings.HasPrefix(rest, marker) {
				continue
			}
			// a frame cut by a newer marker is dropped, not carried
			if _, st := scanPayload(text, i+markerLen); st == payloadShort {
				return i
			}
		}
	}
	return -1
}

type payloadState uint8

const (
	payloadComplete payloadState = iota
	payloadShort                 // text ended first
	payloadCut                   // a marker starts inside the payload
)

// scanPayload reads the 8 characters starting at byte offset start.
// Positions are characters, not bytes, so a multi-byte character takes
// one channel.
func scanPayload(text string, start int) ([Channels]rune, payloadState) {
	var out [Channels]rune
	pos := start
	for i := 0; i < Channels; i++ {
		if pos >= len(text) {
			return out, payloadShort
		}
		if text[pos] == '#' && markerPrefixAt(text, pos) {
			return out, payloadCut
		}
		r, size := utf8.DecodeRuneInString(text[pos:])
		out[i] = r
		pos += size
	}
	return out, payloadComplete
}

// markerPrefixAt reports whether a marker, or the start of one that runs
// into the end of text, begins at at.
func markerPrefixAt(text string, at int) bool {
	rest := text[at:]
	for _, marker := range [...]string{RelaysMarker, InputsMarker} {
		if strings.HasPrefix(rest, marker) || strings.HasPrefix(marker, rest) {
			return true
		}
	}
	return false
}

func markerAt(text string, at int) (Kind, bool) {
	rest := text[at:]
	switch {
	case strings.HasPrefix(rest, RelaysMarker):
		return Relays, true
	case strings.HasPrefix(rest, InputsMarker):
		return Inputs, true
	}
	return 0, false
}

func decodePayload(kind Kind, payload [Channels]rune) Frame {
	f := Frame{Kind: kind}
	for i, c := range payload {
		if c < '0' || c > '9' {
			continue
		}
		f.Valid[i] = true
		f.Bits[i] = c == '1'
	}
	return f
}

/* =========================
   Outbound
   ========================= */

type Action uint8

const (
	ActionOff Action = iota
	ActionOn
	ActionToggle
)

func (a Action) String() string {
	switch a {
	case ActionOff:
		return "off"
	case ActionOn:
		return "on"
	case ActionToggle:
		return "toggle"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

func (a Action) wire() string {
	switch a {
	case ActionOn:
		return "ON"
	case ActionOff:
		return "OF"
	case ActionToggle:
		return "TG"
	}
	return ""
}

// ActionFromValue maps the 0=off, 1=on, 2=toggle convention used on the
// command topics.
func ActionFromValue(v int) (Action, error) {
	switch v {
	case 0:
		return ActionOff, nil
	case 1:
		return ActionOn, nil
	case 2:
		return ActionToggle, nil
	}
	return 0, fmt.Errorf("%w: value %d", ErrAction, v)
}

var (
	ErrRelayIndex  = errors.New("relay index must be 1..8")
	ErrGroupIndex  = errors.New("group index must be >= 0")
	ErrPresetIndex = errors.New("preset index must be 0..16")
	ErrAction      = errors.New("unsupported action")
)

const (
	statusRequest = "::CMD_STAT\n"
	ping          = "PING\r"
)

func FormatRelayCommand(index int, action Action) (string, error) {
	if index < 1 || index > Channels {
		return "", fmt.Errorf("%w: %d", ErrRelayIndex, index)
	}
	w := action.wire()
	if w == "" {
		return "", fmt.Errorf("%w: %s", ErrAction, action)
	}
	return fmt.Sprintf("::CMDRL%d%s\n", index, w), nil
}

func FormatGroupCommand(index int, action Action) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: %d", ErrGroupIndex, index)
	}
	if action != ActionOn && action != ActionOff {
		return "", fmt.Errorf("%w: group %s", ErrAction, action)
	}
	return fmt.Sprintf("::CMDGR%d%s\n", index, action.wire()), nil
}

// NormalizePreset maps the UI slot 16 onto slot 0.
func NormalizePreset(index int) int {
	if index == 16 {
		return 0
	}
	return index
}

func FormatPresetCommand(index int) (string, error) {
	if index < 0 || index > 16 {
		return "", fmt.Errorf("%w: %d", ErrPresetIndex, index)
	}
	return fmt.Sprintf("::CMDPRST%d\n", NormalizePreset(index)), nil
}

func FormatStatusRequest() string { return statusRequest }

func FormatPing() string { return ping }

// FormatStateFrame renders a frame the way the box sends it. Used by the
// simulator and tests.
func FormatStateFrame(kind Kind, v ChannelVector) string {
	marker := RelaysMarker
	if kind == Inputs {
		marker = InputsMarker
	}
	return marker + v.String()
}
