package rankbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"sync"
)

const rankChannelTopic = "Current member ranks. This list is updated automatically."

func (m *RankManager) guildListLock(guildID string) *sync.Mutex {
	m.listLocksMu.Lock()
	defer m.listLocksMu.Unlock()
	mu, ok := m.listLocks[guildID]
	if !ok {
		mu = &sync.Mutex{}
		m.listLocks[guildID] = mu
	}
	return mu
}

// RefreshRankList re-renders the guild's rank list from the store and
// writes it to the rank channel. The stored message is edited in place;
// if it's gone, or the rank channel changed, a new message is sent.
// Errors wrap ErrListUpdateFailed.
func (m *RankManager) RefreshRankList(ctx context.Context, guildID string) (err error) {
	mu := m.guildListLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	logger := contextLoggerOr(ctx, m.logger).With("guild_id", guildID)
	defer func() {
		m.metrics.listUpdates.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			logger.ErrorContext(ctx, "error refreshing rank list", tint.Err(err))
			err = fmt.Errorf("%w: %w", ErrListUpdateFailed, err)
		}
	}()

	entries, err := m.store.ListRanks(ctx, guildID)
	if err != nil {
		return fmt.Errorf("error listing ranks: %w", err)
	}
	content := RenderRankList(entries)

	channel, err := m.findOrCreateRankChannel(ctx, guildID)
	if err != nil {
		return err
	}

	stored, err := m.store.GetRankListMessage(ctx, guildID)
	if err != nil {
		return fmt.Errorf("error loading rank list message: %w", err)
	}

	if stored != nil && stored.ChannelID == channel.ID {
		err = m.withRetry(
			ctx, func() error {
				_, e := m.session.ChannelMessageEdit(
					channel.ID,
					stored.MessageID,
					content,
					discordgo.WithContext(ctx),
				)
				return e
			},
		)
		if err == nil {
			logger.DebugContext(ctx, "edited rank list", "message_id", stored.MessageID)
			return nil
		}
		if !isUnknownMessageError(err) {
			return fmt.Errorf("error editing rank list message: %w", err)
		}
		logger.WarnContext(ctx, "rank list message was deleted, sending a new one")
	}

	var msg *discordgo.Message
	err = m.withRetry(
		ctx, func() error {
			var e error
			msg, e = m.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx))
			return e
		},
	)
	if err != nil {
		return fmt.Errorf("error sending rank list message: %w", err)
	}

	record := &RankListMessage{GuildID: guildID, ChannelID: channel.ID, MessageID: msg.ID}
	if err = m.store.SaveRankListMessage(ctx, record); err != nil {
		return fmt.Errorf("error saving rank list message: %w", err)
	}
	logger.InfoContext(
		ctx,
		"sent rank list",
		"channel_id", channel.ID,
		"message_id", msg.ID,
	)
	return nil
}

// rankChannelSlug is the name Discord gives a text channel created with
// name: lowercase, with spaces replaced by dashes.
func rankChannelSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

func isRankChannel(ch *discordgo.Channel, name string) bool {
	if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
		return false
	}
	return strings.EqualFold(ch.Name, name) || ch.Name == rankChannelSlug(name)
}

// findOrCreateRankChannel finds the guild's rank channel by name. If it
// doesn't exist, it's created read-only for @everyone, with the bot
// allowed to post.
func (m *RankManager) findOrCreateRankChannel(
	ctx context.Context,
	guildID string,
) (*discordgo.Channel, error) {
	name := m.config.RankChannelName

	var channels []*discordgo.Channel
	err := m.withRetry(
		ctx, func() error {
			var e error
			channels, e = m.session.GuildChannels(guildID, discordgo.WithContext(ctx))
			return e
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error listing channels: %w", err)
	}
	for _, ch := range channels {
		if isRankChannel(ch, name) {
			return ch, nil
		}
	}

	overwrites := []*discordgo.PermissionOverwrite{
		{
			// the @everyone role shares the guild's ID
			ID:    guildID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel,
			Deny:  discordgo.PermissionSendMessages,
		},
	}
	if botID := m.getBotUserID(); botID != "" {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:    botID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
			},
		)
	}

	// not retried, a failed response may still have created the channel
	channel, err := m.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildText,
			Topic:                rankChannelTopic,
			PermissionOverwrites: overwrites,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating rank channel %q: %w", name, err)
	}
	contextLoggerOr(ctx, m.logger).InfoContext(
		ctx,
		"created rank channel",
		"guild_id", guildID,
		"channel_id", channel.ID,
		"name", channel.Name,
	)
	return channel, nil
}
