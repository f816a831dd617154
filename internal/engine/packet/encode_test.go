package packet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeChat(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"plain text", "Hello!", "Hello!"},
		{"leading slash doubled", "/whisper hi", "//whisper hi"},
		{"double slash grows once", "//already", "///already"},
		{"inner slash untouched", "a/b", "a/b"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeChat(tt.message)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeChatTooLong(t *testing.T) {
	longest := strings.Repeat("x", MaxChatLength)
	got, err := EncodeChat(longest)
	require.NoError(t, err)
	assert.Len(t, got, MaxChatLength)

	_, err = EncodeChat(longest + "x")
	require.ErrorIs(t, err, ErrSerialize)

	// The doubled slash counts against the limit.
	_, err = EncodeChat("/" + strings.Repeat("x", MaxChatLength-1))
	require.ErrorIs(t, err, ErrSerialize)
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{"no args", "reloadcobs", nil, "/reloadcobs"},
		{"single arg", "kick", []string{"Floris"}, "/kick Floris"},
		{"multiple args", "mute", []string{"Floris", "1", "0"}, "/mute Floris 1 0"},
		{"dashes and digits in name", "set-option2", []string{"v"}, "/set-option2 v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.cmd, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeCommandRejects(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"empty name", "", nil},
		{"uppercase name", "Kick", []string{"x"}},
		{"name with space", "kick player", nil},
		{"empty argument", "kick", []string{""}},
		{"double slash in argument", "say", []string{"a//b"}},
		{"space in argument", "spec", []string{"user 2"}},
		{"space in first of two arguments", "mute", []string{"Player One", "1"}},
		{"tab in argument", "mute", []string{"a\tb", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeCommand(tt.cmd, tt.args...)
			require.ErrorIs(t, err, ErrSerialize)
		})
	}
}
