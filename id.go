package conduit

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a 32-char lowercase hex session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newToolUseID returns a fresh id with the tool-use prefix. Used when a
// provider reports a tool call without a call id.
func newToolUseID() string {
	return "toolu_" + NewSessionID()
}
