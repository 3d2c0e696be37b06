package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coopco/casinobot/internal/bus"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

func init() {
	Register("slack", newSlackChannel)
}

type slackConfig struct {
	BotToken     string   `json:"botToken"`
	AppToken     string   `json:"appToken"`
	AllowedUsers []string `json:"allowedUsers"`
}

// SlackChannel implements Channel for Slack via socket mode. Commands arrive
// as slash commands (/blackjack 100) and game actions as block actions.
type SlackChannel struct {
	client       *slack.Client
	socketClient *socketmode.Client
	bus          *bus.MessageBus
	allowedUsers map[string]bool
}

func newSlackChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var c slackConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("failed to parse slack config: %w", err)
	}
	allowed := make(map[string]bool, len(c.AllowedUsers))
	for _, u := range c.AllowedUsers {
		allowed[u] = true
	}
	client := slack.New(c.BotToken, slack.OptionAppLevelToken(c.AppToken))
	socketClient := socketmode.New(client)
	return &SlackChannel{
		client:       client,
		socketClient: socketClient,
		bus:          msgBus,
		allowedUsers: allowed,
	}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	go func() {
		for evt := range c.socketClient.Events {
			if evt.Request != nil {
				c.socketClient.Ack(*evt.Request)
			}

			var (
				msg bus.InboundMessage
				ok  bool
			)
			switch evt.Type {
			case socketmode.EventTypeSlashCommand:
				if cmd, isCmd := evt.Data.(slack.SlashCommand); isCmd {
					msg, ok = slashToInbound(cmd)
				}
			case socketmode.EventTypeInteractive:
				if cb, isCb := evt.Data.(slack.InteractionCallback); isCb {
					msg, ok = blockActionToInbound(cb)
				}
			}
			if !ok {
				continue
			}
			if !c.IsAllowed(msg.SenderID) {
				slog.Warn("slack: request from disallowed user", "user", msg.SenderID)
				continue
			}
			c.bus.PublishInbound(msg)
		}
	}()
	go func() {
		if err := c.socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("slack: socket mode stopped", "error", err)
		}
	}()
	return nil
}

func slashToInbound(cmd slack.SlashCommand) (bus.InboundMessage, bool) {
	name := strings.TrimPrefix(cmd.Command, "/")
	if name == "" || cmd.UserID == "" {
		return bus.InboundMessage{}, false
	}
	return bus.InboundMessage{
		Channel:  "slack",
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Kind:     bus.KindCommand,
		Command:  name,
		Args:     strings.Fields(cmd.Text),
		Metadata: map[string]string{"username": cmd.UserName},
	}, true
}

// blockActionToInbound takes the first game button in the callback. ReplyTo
// is the timestamp of the message holding the buttons so the answer can
// update it in place.
func blockActionToInbound(cb slack.InteractionCallback) (bus.InboundMessage, bool) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return bus.InboundMessage{}, false
	}
	for _, a := range cb.ActionCallback.BlockActions {
		sessionID, action, ok := bus.DecodeAction(a.ActionID)
		if !ok {
			continue
		}
		return bus.InboundMessage{
			Channel:   "slack",
			SenderID:  cb.User.ID,
			ChatID:    cb.Channel.ID,
			Kind:      bus.KindAction,
			SessionID: sessionID,
			Action:    action,
			ReplyTo:   cb.Message.Timestamp,
			Metadata:  map[string]string{"username": cb.User.Name},
		}, true
	}
	return bus.InboundMessage{}, false
}

// messageBlocks renders the content as a section plus a row of action buttons.
func messageBlocks(msg bus.OutboundMessage) []slack.Block {
	text := msg.Content
	if msg.Type == bus.TypeGame || msg.Type == bus.TypeResult {
		text = "```\n" + text + "\n```"
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(msg.Actions) == 0 {
		return blocks
	}
	buttons := make([]slack.BlockElement, 0, len(msg.Actions))
	for _, a := range msg.Actions {
		label := slack.NewTextBlockObject(slack.PlainTextType, strings.ToUpper(a[:1])+a[1:], false, false)
		buttons = append(buttons, slack.NewButtonBlockElement(bus.EncodeAction(msg.SessionID, a), a, label))
	}
	return append(blocks, slack.NewActionBlock("bj_"+msg.SessionID, buttons...))
}

func (c *SlackChannel) Stop() error { return nil }

type slackDelivery int

const (
	slackPost slackDelivery = iota
	slackUpdate
	slackEphemeral
)

// slackRoute picks how msg reaches the user. Private messages never update
// the message they answer.
func slackRoute(msg bus.OutboundMessage) slackDelivery {
	switch {
	case msg.Private && msg.UserID != "":
		return slackEphemeral
	case msg.ReplyTo != "" && !msg.Private:
		return slackUpdate
	}
	return slackPost
}

func (c *SlackChannel) Send(msg bus.OutboundMessage) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Content, false),
		slack.MsgOptionBlocks(messageBlocks(msg)...),
	}
	switch slackRoute(msg) {
	case slackEphemeral:
		if _, err := c.client.PostEphemeral(msg.ChatID, msg.UserID, opts...); err != nil {
			return fmt.Errorf("slack: post ephemeral: %w", err)
		}
		return nil
	case slackUpdate:
		_, _, _, err := c.client.UpdateMessage(msg.ChatID, msg.ReplyTo, opts...)
		if err == nil {
			return nil
		}
		slog.Warn("slack: update failed, posting instead", "error", err)
	}
	if _, _, err := c.client.PostMessage(msg.ChatID, opts...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func (c *SlackChannel) IsAllowed(senderID string) bool {
	if len(c.allowedUsers) == 0 {
		return true
	}
	return c.allowedUsers[senderID]
}
