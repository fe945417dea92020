package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Responder answers interactions. *discordgo.Session satisfies it.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

var _ Responder = (*discordgo.Session)(nil)

// RespondEphemeral answers i with a message only the invoking member sees.
func RespondEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	respond(s, i, &discordgo.InteractionResponseData{Content: content})
}

// RespondEmbed answers i with an embed only the invoking member sees.
func RespondEmbed(s Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(s, i, &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}})
}

// respond sends data as an ephemeral reply. Relay state is operator
// information, so nothing is posted to the channel.
func respond(s Responder, i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData) {
	data.Flags |= discordgo.MessageFlagsEphemeral
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		slog.Warn("discord: interaction response failed", "command", commandName(i), "err", err)
	}
}

func commandName(i *discordgo.InteractionCreate) string {
	if i.Type != discordgo.InteractionApplicationCommand {
		return ""
	}
	return i.ApplicationCommandData().Name
}
