package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"
)

// ============================================================================
// Moderation & Utility Commands
// ============================================================================

const (
	MsgModPong            = "🏓 Pong! (%dms)"
	MsgModSaySent         = "✅ Sent."
	MsgModAnnounceSent    = "📢 Announcement sent to <#%s>."
	MsgModBanned          = "🔨 Banned <@%s>."
	MsgModUnbanned        = "🕊️ Unbanned <@%s>."
	MsgModTimedOut        = "🤐 Timed out <@%s> until <t:%d:f>."
	MsgModTimeoutCleared  = "🔊 Timeout removed for <@%s>."
	MsgModBadDuration     = "Couldn't parse that duration. Try `10m`, `2h`, or `tomorrow at noon`."
	MsgModActionFail      = "Action failed: %v"
	MsgModNoHistory       = "No moderation history for <@%s>."
	MsgModParserInitFail  = "Failed to initialize naturaltime parser: %v"
	MsgModActionRecorded  = "%s on %s in guild %s by %s (reason: %s)"
	MsgModRecordFail      = "Failed to record mod action: %v"
)

var (
	modParser     *naturaltime.Parser
	modParserOnce sync.Once
)

func init() {
	adminPerm := discord.PermissionAdministrator
	modPerm := discord.PermissionBanMembers | discord.PermissionModerateMembers

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "ping",
		Description: "Check if the bot is alive",
	}, handlePing)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "say",
		Description:              "Make the bot say something (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "text",
				Description: "What to say",
				Required:    true,
			},
		},
	}, handleSay)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "announce",
		Description:              "Send an announcement to a channel (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "text",
				Description: "The announcement text",
				Required:    true,
			},
			discord.ApplicationCommandOptionChannel{
				Name:        "channel",
				Description: "Where to post it",
				Required:    true,
			},
		},
	}, handleAnnounce)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "mod",
		Description:              "Moderation actions",
		DefaultMemberPermissions: omit.New(&modPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "ban",
				Description: "Ban a member",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to ban",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "unban",
				Description: "Unban a user",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to unban",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "timeout",
				Description: "Time a member out",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who to time out",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "duration",
						Description: "How long (e.g. 10m, 2h, tomorrow at noon)",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "reason",
						Description: "Why",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "untimeout",
				Description: "Remove a member's timeout",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose timeout to clear",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show a user's moderation history",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Whose history to show",
						Required:    true,
					},
				},
			},
		},
	}, handleMod)
}

func handlePing(event *events.ApplicationCommandInteractionCreate) {
	latency := event.Client().Gateway.Latency()
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModPong, latency.Milliseconds()), true)
}

func handleSay(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	text := data.String("text")

	_, err := event.Client().Rest.CreateMessage(event.Channel().ID(), discord.MessageCreate{Content: text})
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, MsgModSaySent, true)
}

func handleAnnounce(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	text := data.String("text")
	channelID := data.Snowflake("channel")

	_, err := event.Client().Rest.CreateMessage(channelID, discord.MessageCreate{Content: "📢 " + text})
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModAnnounceSent, channelID), true)
}

func handleMod(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "ban":
		handleModBan(event, data)
	case "unban":
		handleModUnban(event, data)
	case "timeout":
		handleModTimeout(event, data)
	case "untimeout":
		handleModUntimeout(event, data)
	case "history":
		handleModHistory(event, data)
	}
}

func handleModBan(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	userID := data.Snowflake("user")
	reason, _ := data.OptString("reason")

	if err := event.Client().Rest.AddBan(*event.GuildID(), userID, 0); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	recordAction(event, userID, "ban", reason, nil)
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModBanned, userID), false)
}

func handleModUnban(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	userID := data.Snowflake("user")

	if err := event.Client().Rest.DeleteBan(*event.GuildID(), userID); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	recordAction(event, userID, "unban", "", nil)
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModUnbanned, userID), false)
}

func handleModTimeout(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	userID := data.Snowflake("user")
	durationStr := data.String("duration")
	reason, _ := data.OptString("reason")

	until, err := parseNaturalDeadline(durationStr)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgModBadDuration, true)
		return
	}

	update := discord.MemberUpdate{CommunicationDisabledUntil: omit.New(&until)}
	if _, err := event.Client().Rest.UpdateMember(*event.GuildID(), userID, update); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	recordAction(event, userID, "timeout", reason, &until)
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModTimedOut, userID, until.Unix()), false)
}

func handleModUntimeout(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	userID := data.Snowflake("user")

	update := discord.MemberUpdate{CommunicationDisabledUntil: omit.New[*time.Time](nil)}
	if _, err := event.Client().Rest.UpdateMember(*event.GuildID(), userID, update); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	recordAction(event, userID, "untimeout", "", nil)
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModTimeoutCleared, userID), false)
}

func handleModHistory(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	userID := data.Snowflake("user")

	actions, err := GetModActionsForUser(context.Background(), *event.GuildID(), userID, 25)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModActionFail, err), true)
		return
	}
	if len(actions) == 0 {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgModNoHistory, userID), true)
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Moderation history for <@%s>:**\n", userID))
	for i, a := range actions {
		if i >= 15 {
			b.WriteString(fmt.Sprintf("*...and %d more*", len(actions)-15))
			break
		}
		line := fmt.Sprintf("`%s` by <@%s> <t:%d:R>", a.Action, a.ModeratorID, a.CreatedAt.Unix())
		if a.Reason != "" {
			line += " · " + Truncate(a.Reason, 80)
		}
		b.WriteString(line + "\n")
	}
	_ = RespondInteractionV2(*event.Client(), event, b.String(), true)
}

// recordAction writes the audit row. Audit failures are logged, never
// surfaced; the moderation action itself already succeeded.
func recordAction(event *events.ApplicationCommandInteractionCreate, userID snowflake.ID, action, reason string, expiresAt *time.Time) {
	LogMod(MsgModActionRecorded, action, userID, *event.GuildID(), event.User().ID, reason)
	err := RecordModAction(context.Background(), &ModAction{
		GuildID:     *event.GuildID(),
		UserID:      userID,
		ModeratorID: event.User().ID,
		Action:      action,
		Reason:      reason,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		LogMod(MsgModRecordFail, err)
	}
}

// parseNaturalDeadline accepts either a Go duration or a natural-language
// expression and returns the absolute deadline.
func parseNaturalDeadline(input string) (time.Time, error) {
	now := time.Now().UTC()

	if d, err := time.ParseDuration(input); err == nil && d > 0 {
		return now.Add(d), nil
	}

	modParserOnce.Do(func() {
		var err error
		modParser, err = naturaltime.New()
		if err != nil {
			LogMod(MsgModParserInitFail, err)
		}
	})
	if modParser != nil {
		if result, err := modParser.ParseDate(input, now); err == nil && result != nil && result.After(now) {
			return *result, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not parse duration: %s", input)
}
