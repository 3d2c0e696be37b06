package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/coopco/casinobot/internal/bus"
)

func init() {
	Register("discord", newDiscordChannel)
}

// Discord invalidates interaction tokens after 15 minutes.
const interactionTTL = 15 * time.Minute

type discordConfig struct {
	Token        string   `json:"token"`
	GuildID      string   `json:"guildId"` // empty registers commands globally
	AllowedUsers []string `json:"allowedUsers"`
}

// pendingInteraction is a deferred interaction we still owe an answer to.
type pendingInteraction struct {
	interaction *discordgo.Interaction
	created     time.Time
	edited      bool
}

type DiscordChannel struct {
	session      *discordgo.Session
	bus          *bus.MessageBus
	guildID      string
	allowedUsers map[string]bool

	mu      sync.Mutex
	pending map[string]*pendingInteraction // interaction id -> interaction
}

func newDiscordChannel(cfg json.RawMessage, msgBus *bus.MessageBus) (Channel, error) {
	var dcfg discordConfig
	if err := json.Unmarshal(cfg, &dcfg); err != nil {
		return nil, fmt.Errorf("failed to parse discord config: %w", err)
	}
	if dcfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + dcfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	allowed := make(map[string]bool, len(dcfg.AllowedUsers))
	for _, u := range dcfg.AllowedUsers {
		allowed[u] = true
	}
	return &DiscordChannel{
		session:      session,
		bus:          msgBus,
		guildID:      dcfg.GuildID,
		allowedUsers: allowed,
		pending:      make(map[string]*pendingInteraction),
	}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

// slashCommands are registered on every Ready event.
var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "blackjack",
		Description: "Start a game of blackjack",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "bet",
			Description: "Amount to wager",
			Required:    true,
		}},
	},
	{Name: "balance", Description: "Show your balance and stamina"},
	{
		Name:        "shop",
		Description: "Browse and buy effects",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "list", Description: "List items for sale"},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "buy",
				Description: "Buy an item",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "item",
					Description: "Item id",
					Required:    true,
				}},
			},
		},
	},
	{
		Name:        "lotto",
		Description: "Buy lottery tickets for the next draw, or show the ones you hold",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "tickets",
			Description: "Number of tickets to buy",
		}},
	},
	{
		Name:        "history",
		Description: "Show your recent games",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "count",
			Description: "How many games to show",
		}},
	},
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, c.guildID, slashCommands); err != nil {
			slog.Error("discord: failed to register commands", "error", err)
			return
		}
		slog.Info("discord: commands registered", "count", len(slashCommands), "guild", c.guildID)
	})
	c.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		c.handleInteraction(i)
	})
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: failed to open websocket: %w", err)
	}

	go c.prunePending(ctx)
	return nil
}

func (c *DiscordChannel) handleInteraction(i *discordgo.InteractionCreate) {
	msg, ok := interactionToInbound(i.Interaction)
	if !ok {
		return
	}
	if !c.IsAllowed(msg.SenderID) {
		slog.Warn("discord: interaction from disallowed user", "userID", msg.SenderID)
		return
	}

	// Acknowledge within Discord's three second window; the answer edits it later.
	respType := discordgo.InteractionResponseDeferredChannelMessageWithSource
	if msg.Kind == bus.KindAction {
		respType = discordgo.InteractionResponseDeferredMessageUpdate
	}
	if err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: respType}); err != nil {
		slog.Error("discord: failed to acknowledge interaction", "error", err)
		return
	}

	c.mu.Lock()
	c.pending[i.ID] = &pendingInteraction{interaction: i.Interaction, created: time.Now()}
	c.mu.Unlock()

	c.bus.PublishInbound(msg)
}

// interactionToInbound converts a slash command or button press. Other
// interaction types are ignored.
func interactionToInbound(i *discordgo.Interaction) (bus.InboundMessage, bool) {
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil || user.Bot {
		return bus.InboundMessage{}, false
	}
	msg := bus.InboundMessage{
		Channel:  "discord",
		SenderID: user.ID,
		ChatID:   i.ChannelID,
		ReplyTo:  i.ID,
		Metadata: map[string]string{"username": user.Username},
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		msg.Kind = bus.KindCommand
		msg.Command = data.Name
		msg.Args = optionArgs(data.Options)
		return msg, true
	case discordgo.InteractionMessageComponent:
		sessionID, action, ok := bus.DecodeAction(i.MessageComponentData().CustomID)
		if !ok {
			return bus.InboundMessage{}, false
		}
		msg.Kind = bus.KindAction
		msg.SessionID = sessionID
		msg.Action = action
		return msg, true
	}
	return bus.InboundMessage{}, false
}

// optionArgs flattens options into positional args, subcommand names first.
func optionArgs(opts []*discordgo.ApplicationCommandInteractionDataOption) []string {
	var args []string
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionSubCommand, discordgo.ApplicationCommandOptionSubCommandGroup:
			args = append(args, o.Name)
			args = append(args, optionArgs(o.Options)...)
		case discordgo.ApplicationCommandOptionInteger:
			args = append(args, strconv.FormatInt(o.IntValue(), 10))
		case discordgo.ApplicationCommandOptionString:
			args = append(args, o.StringValue())
		default:
			args = append(args, fmt.Sprint(o.Value))
		}
	}
	return args
}

// actionComponents renders game actions as one row of buttons.
func actionComponents(sessionID string, actions []string) []discordgo.MessageComponent {
	if len(actions) == 0 {
		return []discordgo.MessageComponent{}
	}
	buttons := make([]discordgo.MessageComponent, 0, len(actions))
	for _, a := range actions {
		style := discordgo.SecondaryButton
		if a == "hit" {
			style = discordgo.PrimaryButton
		}
		buttons = append(buttons, discordgo.Button{
			Label:    strings.ToUpper(a[:1]) + a[1:],
			Style:    style,
			CustomID: bus.EncodeAction(sessionID, a),
		})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

func (c *DiscordChannel) Stop() error {
	return c.session.Close()
}

type discordDelivery int

const (
	deliverPost discordDelivery = iota
	deliverEdit
	deliverFollowup
	deliverEphemeral
)

// discordRoute picks how msg reaches the user. p is the pending interaction
// msg answers, or nil. Private messages never edit the interaction's message.
func discordRoute(msg bus.OutboundMessage, p *pendingInteraction) discordDelivery {
	switch {
	case p == nil:
		return deliverPost
	case msg.Private:
		return deliverEphemeral
	case !p.edited:
		return deliverEdit
	}
	return deliverFollowup
}

// Send answers the originating interaction when it is still pending. The first
// answer edits the deferred response; later ones become follow-ups. Private
// answers are ephemeral follow-ups. Anything else is posted to the chat.
func (c *DiscordChannel) Send(msg bus.OutboundMessage) error {
	content := formatContent(msg)
	components := actionComponents(msg.SessionID, msg.Actions)

	c.mu.Lock()
	p := c.pending[msg.ReplyTo]
	route := discordRoute(msg, p)
	if route == deliverEdit {
		p.edited = true
	}
	c.mu.Unlock()

	switch route {
	case deliverEdit:
		_, err := c.session.InteractionResponseEdit(p.interaction, &discordgo.WebhookEdit{
			Content:    &content,
			Components: &components,
		})
		if err == nil {
			return nil
		}
		slog.Warn("discord: interaction edit failed, posting instead", "error", err)
	case deliverFollowup:
		_, err := c.session.FollowupMessageCreate(p.interaction, true, &discordgo.WebhookParams{
			Content:    content,
			Components: components,
		})
		if err == nil {
			return nil
		}
		slog.Warn("discord: follow-up failed, posting instead", "error", err)
	case deliverEphemeral:
		_, err := c.session.FollowupMessageCreate(p.interaction, true, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if err == nil {
			return nil
		}
		slog.Warn("discord: ephemeral follow-up failed, posting instead", "error", err)
	}

	if msg.Private {
		content = "<@" + msg.UserID + "> " + content
		components = nil
	}
	_, err := c.session.ChannelMessageSendComplex(msg.ChatID, &discordgo.MessageSend{
		Content:    content,
		Components: components,
	})
	if err != nil {
		return fmt.Errorf("discord: failed to send message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) prunePending(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			pruneInteractions(c.pending, now)
			c.mu.Unlock()
		}
	}
}

func pruneInteractions(pending map[string]*pendingInteraction, now time.Time) {
	for id, p := range pending {
		if now.Sub(p.created) >= interactionTTL {
			delete(pending, id)
		}
	}
}

// formatContent wraps game tables in a code block so cards line up.
func formatContent(msg bus.OutboundMessage) string {
	switch msg.Type {
	case bus.TypeGame, bus.TypeResult:
		return "```\n" + msg.Content + "\n```"
	case bus.TypeError:
		return ":warning: " + msg.Content
	}
	return msg.Content
}

func (c *DiscordChannel) IsAllowed(senderID string) bool {
	if len(c.allowedUsers) == 0 {
		return true
	}
	return c.allowedUsers[senderID]
}
