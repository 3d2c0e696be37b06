package bus

import (
	"fmt"
	"strings"
)

// Kind distinguishes typed commands from button presses.
type Kind string

const (
	KindCommand Kind = "command"
	KindAction  Kind = "action"
)

// InboundMessage is a user request received from any channel.
type InboundMessage struct {
	Channel   string            // source channel name (e.g. "discord", "slack")
	SenderID  string            // sender identifier within the channel
	ChatID    string            // chat/conversation identifier
	Kind      Kind              // command or action
	Command   string            // command name for KindCommand, e.g. "blackjack"
	Args      []string          // positional command arguments
	SessionID string            // target game session for KindAction
	Action    string            // game action for KindAction, e.g. "hit"
	ReplyTo   string            // channel handle used to answer this message in place
	Metadata  map[string]string // arbitrary metadata
}

// UserKey identifies the player across the economy: "channel:senderID".
func (m InboundMessage) UserKey() string {
	return fmt.Sprintf("%s:%s", m.Channel, m.SenderID)
}

// Outbound message types.
const (
	TypeText   = "text"
	TypeGame   = "game"
	TypeResult = "result"
	TypeError  = "error"
)

// OutboundMessage is a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            // target channel
	ChatID    string            // target chat
	Content   string            // text content
	Type      string            // one of the Type constants
	SessionID string            // game session the message belongs to, if any
	Actions   []string          // actions to offer as buttons
	ReplyTo   string            // optional handle to answer in place
	Private   bool              // show only to UserID, never replacing the ReplyTo message
	UserID    string            // recipient of a private message, in channel terms
	Metadata  map[string]string // arbitrary metadata
}

const actionPrefix = "bj"

// EncodeAction builds the button id for a game action.
func EncodeAction(sessionID, action string) string {
	return actionPrefix + ":" + sessionID + ":" + action
}

// DecodeAction parses a button id built by EncodeAction.
func DecodeAction(id string) (sessionID, action string, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != actionPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
