package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStateFrameEveryBitPattern(t *testing.T) {
	for n := 0; n < 256; n++ {
		s := fmt.Sprintf("%08b", n)
		f, ok := ParseStateFrame([]byte("##RELAYS: " + s))
		require.True(t, ok, s)
		assert.Equal(t, Relays, f.Kind)
		for i := 0; i < Channels; i++ {
			assert.Equal(t, s[i] == '1', f.Bits[i], "pattern %s index %d", s, i)
			assert.True(t, f.Valid[i])
		}
		assert.Equal(t, s, f.Bits.String())
	}
}

func TestParseStateFrameTruncated(t *testing.T) {
	_, ok := ParseStateFrame([]byte("##RELAYS: 000"))
	assert.False(t, ok)

	_, ok = ParseStateFrame([]byte("##RELAYS: 0000000"))
	assert.False(t, ok, "seven characters is still a partial frame")

	_, ok = ParseStateFrame([]byte("##RELAYS:"))
	assert.False(t, ok)
}

func TestParseStateFrameNonDigit(t *testing.T) {
	f, ok := ParseStateFrame([]byte("##RELAYS: 0X101101"))
	require.True(t, ok)
	assert.False(t, f.Valid[1])
	assert.Equal(t, [Channels]bool{true, false, true, true, true, true, true, true}, f.Valid)
	assert.Equal(t, ChannelVector{false, false, true, false, true, true, false, true}, f.Bits)
}

func TestParseStateFrameOtherDigitsAreOff(t *testing.T) {
	f, ok := ParseStateFrame([]byte("##INPUTS: 12345678"))
	require.True(t, ok)
	assert.Equal(t, Inputs, f.Kind)
	assert.Equal(t, ChannelVector{true}, f.Bits)
	for i := range f.Valid {
		assert.True(t, f.Valid[i])
	}
}

func TestParseStateFramesBothMarkers(t *testing.T) {
	frames := ParseStateFrames([]byte("##RELAYS: 10000000##INPUTS: 00000001"))
	require.Len(t, frames, 2)
	assert.Equal(t, Relays, frames[0].Kind)
	assert.Equal(t, "10000000", frames[0].Bits.String())
	assert.Equal(t, Inputs, frames[1].Kind)
	assert.Equal(t, "00000001", frames[1].Bits.String())
}

func TestParseStateFramesOrderFollowsText(t *testing.T) {
	frames := ParseStateFrames([]byte("noise\r\n##INPUTS: 11000000\r\nOK ##RELAYS: 00000011\r\n"))
	require.Len(t, frames, 2)
	assert.Equal(t, Inputs, frames[0].Kind)
	assert.Equal(t, Relays, frames[1].Kind)
}

func TestParseStateFramesSkipsTruncatedTail(t *testing.T) {
	frames := ParseStateFrames([]byte("##RELAYS: 11111111##INPUTS: 01"))
	require.Len(t, frames, 1)
	assert.Equal(t, Relays, frames[0].Kind)
}

func TestParseStateFramesNoMarker(t *testing.T) {
	assert.Empty(t, ParseStateFrames(nil))
	assert.Empty(t, ParseStateFrames([]byte("PONG\r\n")))
	assert.Empty(t, ParseStateFrames([]byte("## RELAYS 10101010")))
}

func TestFormatRelayCommand(t *testing.T) {
	tests := []struct {
		index  int
		action Action
		want   string
	}{
		{1, ActionOn, "::CMDRL1ON\n"},
		{8, ActionOff, "::CMDRL8OF\n"},
		{3, ActionToggle, "::CMDRL3TG\n"},
	}
	for _, tt := range tests {
		got, err := FormatRelayCommand(tt.index, tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := FormatRelayCommand(0, ActionOn)
	assert.ErrorIs(t, err, ErrRelayIndex)
	_, err = FormatRelayCommand(9, ActionOn)
	assert.ErrorIs(t, err, ErrRelayIndex)
	_, err = FormatRelayCommand(1, Action(7))
	assert.ErrorIs(t, err, ErrAction)
}

func TestFormatGroupCommand(t *testing.T) {
	got, err := FormatGroupCommand(2, ActionOn)
	require.NoError(t, err)
	assert.Equal(t, "::CMDGR2ON\n", got)

	got, err = FormatGroupCommand(12, ActionOff)
	require.NoError(t, err)
	assert.Equal(t, "::CMDGR12OF\n", got)

	_, err = FormatGroupCommand(1, ActionToggle)
	assert.ErrorIs(t, err, ErrAction)
	_, err = FormatGroupCommand(-1, ActionOn)
	assert.ErrorIs(t, err, ErrGroupIndex)
}

func TestFormatPresetCommandWraps16(t *testing.T) {
	zero, err := FormatPresetCommand(0)
	require.NoError(t, err)
	sixteen, err := FormatPresetCommand(16)
	require.NoError(t, err)

	assert.Equal(t, "::CMDPRST0\n", zero)
	assert.Equal(t, zero, sixteen)

	got, err := FormatPresetCommand(15)
	require.NoError(t, err)
	assert.Equal(t, "::CMDPRST15\n", got)

	_, err = FormatPresetCommand(17)
	assert.ErrorIs(t, err, ErrPresetIndex)
}

func TestFixedCommands(t *testing.T) {
	assert.Equal(t, "::CMD_STAT\n", FormatStatusRequest())
	assert.Equal(t, "PING\r", FormatPing())
}

func TestActionFromValue(t *testing.T) {
	for v, want := range []Action{ActionOff, ActionOn, ActionToggle} {
		got, err := ActionFromValue(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ActionFromValue(3)
	assert.ErrorIs(t, err, ErrAction)
}

func TestFormatStateFrameParsesBack(t *testing.T) {
	v := ChannelVector{true, false, false, true}
	f, ok := ParseStateFrame([]byte(FormatStateFrame(Inputs, v)))
	require.True(t, ok)
	assert.Equal(t, Inputs, f.Kind)
	assert.Equal(t, v, f.Bits)
	assert.True(t, v.Channel(4))
	assert.False(t, v.Channel(9))
}

func TestIncompleteTail(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"PONG\r\n", -1},
		{"##RELAYS: 10000000", -1},
		{"##RELAYS: 10000000##INPUTS: 00000001", -1},
		{"##RELAYS: 000", 0},
		{"xx##INP", 2},
		{"##RELAYS: 10000000#", 18},
		{"##RELAYS: 10000000##INPUTS: 0000000", 18},
		{"#x", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IncompleteTail([]byte(tt.in)), "%q", tt.in)
	}
}

func TestSplitFrameReassembles(t *testing.T) {
	first := []byte("junk##RELAYS: 1010")
	tail := IncompleteTail(first)
	require.Equal(t, 4, tail)
	assert.Empty(t, ParseStateFrames(first))

	joined := append(append([]byte(nil), first[tail:]...), "1010\r\n"...)
	f, ok := ParseStateFrame(joined)
	require.True(t, ok)
	assert.Equal(t, "10101010", f.Bits.String())
}

func TestParseStateFramesDropsFrameCutByMarker(t *testing.T) {
	frames := ParseStateFrames([]byte("##RELAYS: 1111##INPUTS: 00000001"))
	require.Len(t, frames, 1)
	assert.Equal(t, Inputs, frames[0].Kind)
	assert.Equal(t, "00000001", frames[0].Bits.String())

	assert.Empty(t, ParseStateFrames([]byte("##RELAYS: 1111##INP")))
}

func TestParseStateFrameCountsCharacters(t *testing.T) {
	f, ok := ParseStateFrame([]byte("##RELAYS: 1é111111"))
	require.True(t, ok)
	assert.Equal(t, [Channels]bool{true, false, true, true, true, true, true, true}, f.Valid)
	assert.Equal(t, "10111111", f.Bits.String())

	_, ok = ParseStateFrame([]byte("##RELAYS: 1é11111"))
	assert.False(t, ok)
}

func TestIncompleteTailSkipsCutFrame(t *testing.T) {
	assert.Equal(t, 14, IncompleteTail([]byte("##RELAYS: 1111##IN")))
	assert.Equal(t, -1, IncompleteTail([]byte("##RELAYS: 1111##INPUTS: 00000001")))
	assert.Equal(t, 0, IncompleteTail([]byte("##RELAYS: 1é1")))
}
