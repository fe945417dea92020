// Package commands implements the Discord slash commands of voicerelay.
package commands

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerelay/internal/discord"
	"github.com/MrWong99/voicerelay/internal/relay"
)

// Controller is the running relay as seen by the commands. *relay.Session
// satisfies it.
type Controller interface {
	Stats() relay.Stats
	Stop(reason string) bool
}

var _ Controller = (*relay.Session)(nil)

// RelayCommands serves /relay status and /relay stop.
type RelayCommands struct {
	relay Controller
	perms *discord.PermissionChecker
}

// NewRelayCommands creates the /relay command group and registers it with
// router.
func NewRelayCommands(router *discord.CommandRouter, ctrl Controller, perms *discord.PermissionChecker) *RelayCommands {
	rc := &RelayCommands{relay: ctrl, perms: perms}
	rc.Register(router)
	return rc
}

// Register registers the /relay command group with the router.
func (rc *RelayCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("relay", rc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/relay status` or `/relay stop`.")
	})
	router.RegisterHandler("relay/status", rc.handleStatus)
	router.RegisterHandler("relay/stop", rc.handleStop)
}

// Definition returns the ApplicationCommand definition for Discord.
func (rc *RelayCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "relay",
		Description: "Inspect or stop the voice relay",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the relay's counters",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop relaying and let the consumer finish",
			},
		},
	}
}

func (rc *RelayCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	st := rc.relay.Stats()

	state := "running"
	color := 0x2ecc71
	if !st.Active {
		state = "stopping"
		color = 0xe67e22
	}
	embed := &discordgo.MessageEmbed{
		Title: "Voice relay",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: state, Inline: true},
			{Name: "Queue", Value: fmt.Sprintf("%d / %d", st.QueueDepth, st.QueueCapacity), Inline: true},
			{Name: "Pump", Value: orDash(st.PumpState), Inline: true},
			{Name: "Frames accepted", Value: strconv.FormatUint(st.FramesAccepted, 10), Inline: true},
			{Name: "Frames dropped", Value: strconv.FormatUint(st.FramesDropped, 10), Inline: true},
			{Name: "Bytes written", Value: strconv.FormatUint(st.BytesWritten, 10), Inline: true},
		},
	}
	if st.StopReason != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Stop reason", Value: st.StopReason})
	}
	discord.RespondEmbed(s, i, embed)
}

func (rc *RelayCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You are not allowed to stop the relay.")
		return
	}
	if !rc.relay.Stop(relay.StopRequestedBy(memberName(i))) {
		discord.RespondEphemeral(s, i, "The relay is already stopping.")
		return
	}
	discord.RespondEphemeral(s, i, "Stopping the relay. The consumer gets the remaining audio first.")
}

func memberName(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.Username
	}
	return "unknown user"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
