package packet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxChatLength is the engine's limit on one chat line, in bytes, after
// encoding.
const MaxChatLength = 127

// ErrSerialize marks chat or command input the engine console format
// cannot carry. Callers map it to an invalid-request failure.
var ErrSerialize = errors.New("cannot serialize")

var commandNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// EncodeChat builds the datagram for one chat line said by the host.
// The engine strips one leading slash from chat input, so a message
// starting with "/" is sent with the slash doubled.
func EncodeChat(message string) ([]byte, error) {
	encoded := message
	if strings.HasPrefix(encoded, "/") {
		encoded = "/" + encoded
	}
	if len(encoded) > MaxChatLength {
		return nil, fmt.Errorf("%w: chat message is %d bytes (max %d)", ErrSerialize, len(encoded), MaxChatLength)
	}
	return []byte(encoded), nil
}

// EncodeCommand builds the datagram for one engine console command:
// "/" + name + space-joined arguments. The space-joined form cannot
// represent every string, so arguments are validated: every argument
// must be non-empty and free of "//", spaces and tabs.
func EncodeCommand(name string, args ...string) ([]byte, error) {
	if !commandNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid command name %q", ErrSerialize, name)
	}
	for i, arg := range args {
		if arg == "" {
			return nil, fmt.Errorf("%w: command %q argument %d is empty", ErrSerialize, name, i)
		}
		if strings.Contains(arg, "//") {
			return nil, fmt.Errorf("%w: command %q argument %d contains %q", ErrSerialize, name, i, "//")
		}
		if strings.ContainsAny(arg, " \t") {
			return nil, fmt.Errorf("%w: command %q argument %d contains whitespace", ErrSerialize, name, i)
		}
	}

	var b strings.Builder
	b.WriteString("/")
	b.WriteString(name)
	for _, arg := range args {
		b.WriteString(" ")
		b.WriteString(arg)
	}
	return []byte(b.String()), nil
}
