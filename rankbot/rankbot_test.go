package rankbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testAdminRoleID  = "400000000000000001"
	testMemberRoleID = "400000000000000002"
	testRoleName     = "Rank Admin"
	testChannelName  = "ranks"
)

var testUserSeq atomic.Int64

func init() {
	testUserSeq.Store(500000000000000000)
}

func newTestUserID() string {
	return strconv.FormatInt(testUserSeq.Add(1), 10)
}

// newTestMember returns a guild member with a generated account name
// and no nickname.
func newTestMember() *discordgo.Member {
	return &discordgo.Member{
		User: &discordgo.User{
			ID:       newTestUserID(),
			Username: gofakeit.Username(),
		},
	}
}

// newTestActor returns a member holding the authorized role
func newTestActor(s *mockDiscordSession, guildID string) *discordgo.Member {
	m := newTestMember()
	m.Roles = []string{testAdminRoleID}
	return s.addMember(guildID, m)
}

func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "rankbot.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testAppID
	cfg.Discord.RetryDelay = 0
	cfg.AuthorizedRole = testRoleName
	cfg.RankChannelName = testChannelName
	cfg.EnforceInterval = 0
	cfg.LogLevel.Set(slog.LevelDebug)
	cfg.Worker.IdleTimeout = time.Second
	cfg.Worker.CommandTimeout = time.Second
	return cfg
}

func newTestStore(t testing.TB) DBI {
	t.Helper()
	ctx := context.Background()
	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
		nil,
		time.Second,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, slog.Default(), false)
}

func newTestManager(t testing.TB) (*RankManager, *mockDiscordSession, DBI) {
	t.Helper()
	session := newMockDiscordSession()
	session.addRole(testGuildID, testAdminRoleID, testRoleName)
	session.addRole(testGuildID, testMemberRoleID, "Member")
	store := newTestStore(t)
	m := NewRankManager(store, session, newTestConfig(t), slog.Default(), newBotMetrics())
	m.SetBotUserID(testBotID)
	return m, session, store
}

// newTestBot returns a Bot initialized as Run would, backed by a mock
// session and a temp sqlite database, without connecting anywhere.
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()
	ctx := context.Background()

	b, err := New(newTestConfig(t))
	require.NoError(t, err)

	session := newMockDiscordSession()
	session.addRole(testGuildID, testAdminRoleID, testRoleName)
	b.discord.session = session
	b.signalStop = make(chan struct{}, 1)

	require.NoError(t, b.initRun(ctx))
	b.manager.SetBotUserID(testBotID)
	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	b.dbNotifier = notifier
	b.trackGuild(testGuildID)

	t.Cleanup(
		func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			assert.NoError(t, b.workers.Stop(stopCtx))
			if sqlDB, e := b.db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return b, session
}

// newRankInteraction builds a `/rank` slash command interaction. label
// is only sent for the set subcommand.
func newRankInteraction(
	actor *discordgo.Member,
	guildID string,
	subcommand string,
	memberID string,
	label string,
) *discordgo.InteractionCreate {
	options := []*discordgo.ApplicationCommandInteractionDataOption{
		{
			Name:  rankOptionMember,
			Type:  discordgo.ApplicationCommandOptionUser,
			Value: memberID,
		},
	}
	if subcommand == rankSubcommandSet {
		options = append(
			options, &discordgo.ApplicationCommandInteractionDataOption{
				Name:  rankOptionNewRank,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: label,
			},
		)
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestUserID(),
			AppID:     testAppID,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "600000000000000001",
			Token:     gofakeit.UUID(),
			Context:   discordgo.InteractionContextGuild,
			Member:    actor,
			Data: discordgo.ApplicationCommandInteractionData{
				ID:   "700000000000000001",
				Name: DiscordSlashCommandRank,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	}
}

// waitForEdits waits until the session has seen n interaction response
// edits, and returns them.
func waitForEdits(t testing.TB, s *mockDiscordSession, n int) []*discordgo.WebhookEdit {
	t.Helper()
	require.Eventually(
		t,
		func() bool {
			return len(s.getResponseEdits()) >= n
		},
		5*time.Second,
		10*time.Millisecond,
	)
	return s.getResponseEdits()
}

func findRankCommand(t testing.TB, b *Bot, interactionID string) RankCommand {
	t.Helper()
	var cmd RankCommand
	require.Eventually(
		t,
		func() bool {
			rv := b.db.Where("interaction_id = ?", interactionID).Take(&cmd)
			return rv.Error == nil && cmd.State != RankCommandStateReceived
		},
		5*time.Second,
		10*time.Millisecond,
	)
	return cmd
}

func TestBot_RankSetEndToEnd(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	actor := newTestActor(session, testGuildID)
	target := session.addMember(testGuildID, newTestMember())
	originalName := target.User.Username

	i := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "Gold")
	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	responses := session.getResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		responses[0].Type,
	)

	edits := waitForEdits(t, session, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(
		t,
		fmt.Sprintf(replyRankSet, mention(target.User.ID), "Gold"),
		*edits[0].Content,
	)

	assert.Equal(t, originalName+" [Gold]", session.nick(testGuildID, target.User.ID))

	entry, err := b.writeDB.GetRank(ctx, testGuildID, target.User.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Gold", entry.Label)
	assert.Equal(t, originalName, entry.DisplayName)
	assert.Equal(t, actor.User.ID, entry.SetBy)

	listMsg, err := b.writeDB.GetRankListMessage(ctx, testGuildID)
	require.NoError(t, err)
	require.NotNil(t, listMsg)
	content, ok := session.messageContent(listMsg.ChannelID, listMsg.MessageID)
	require.True(t, ok)
	assert.Contains(t, content, originalName+": Gold")

	cmd := findRankCommand(t, b, i.ID)
	assert.Equal(t, RankCommandStateCompleted, cmd.State)
	assert.Equal(t, RankActionSet, cmd.Action)
	assert.Equal(t, target.User.ID, cmd.MemberID)
	assert.True(t, cmd.Acknowledged)
	require.NotNil(t, cmd.FinishedAt)

	// roles are resolved once, before the command is acknowledged
	assert.Equal(t, 1, session.getRolesCalls())

	var logs []InteractionLog
	require.NoError(t, b.db.Where("interaction_id = ?", i.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, discordInteractionReceiveMethodGateway, logs[0].Method)

	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(
			b.metrics.commands.WithLabelValues(
				RankActionSet.String(),
				RankCommandStateCompleted.String(),
			),
		),
	)
}

func TestBot_RankSetPermissionDenied(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	actor := session.addMember(testGuildID, newTestMember())
	target := session.addMember(testGuildID, newTestMember())

	i := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "Gold")
	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	responses := session.getResponses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		responses[0].Type,
	)
	require.NotNil(t, responses[0].Data)
	assert.Equal(t, replyPermissionDenied, responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)

	assert.Empty(t, session.getNicknameCalls())
	assert.Empty(t, session.getSent())
	entry, err := b.writeDB.GetRank(ctx, testGuildID, target.User.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)

	cmd := findRankCommand(t, b, i.ID)
	assert.Equal(t, RankCommandStateDenied, cmd.State)
}

func TestBot_RankSetInvalidLabel(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	actor := newTestActor(session, testGuildID)
	target := session.addMember(testGuildID, newTestMember())

	i := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "[Gold]")
	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	responses := session.getResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Data)
	assert.Equal(t, "🚫 Rank must not contain '[' or ']'.", responses[0].Data.Content)
	assert.Empty(t, session.getNicknameCalls())
}

func TestBot_RankRemoveEndToEnd(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	actor := newTestActor(session, testGuildID)
	target := newTestMember()
	target.Nick = "Ace [Silver]"
	session.addMember(testGuildID, target)
	_, err := b.writeDB.PutRank(
		ctx, &RankEntry{
			GuildID:     testGuildID,
			MemberID:    target.User.ID,
			Label:       "Silver",
			DisplayName: "Ace",
		},
	)
	require.NoError(t, err)

	i := newRankInteraction(actor, testGuildID, rankSubcommandRemove, target.User.ID, "")
	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	edits := waitForEdits(t, session, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(t, fmt.Sprintf(replyRankRemoved, mention(target.User.ID)), *edits[0].Content)
	assert.Equal(t, "Ace", session.nick(testGuildID, target.User.ID))

	entry, err := b.writeDB.GetRank(ctx, testGuildID, target.User.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)

	listMsg, err := b.writeDB.GetRankListMessage(ctx, testGuildID)
	require.NoError(t, err)
	require.NotNil(t, listMsg)
	content, _ := session.messageContent(listMsg.ChannelID, listMsg.MessageID)
	assert.NotContains(t, content, "Ace")
}

func TestBot_RankCommandOutsideGuild(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	user := newTestMember()
	i := newRankInteraction(nil, "", rankSubcommandSet, newTestUserID(), "Gold")
	i.User = user.User

	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	responses := session.getResponses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Data)
	assert.Equal(t, replyGuildOnly, responses[0].Data.Content)
}

func TestBot_IgnoresBots(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	actor := newTestActor(session, testGuildID)
	actor.User.Bot = true
	i := newRankInteraction(actor, testGuildID, rankSubcommandSet, newTestUserID(), "Gold")

	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))
	assert.Empty(t, session.getResponses())
}

// failingCommandLog fails to save rank command records, and passes
// everything else through
type failingCommandLog struct {
	DBI
}

func (f failingCommandLog) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	if _, ok := value.(*RankCommand); ok {
		return 0, errors.New("disk I/O error")
	}
	return f.DBI.Create(ctx, value, omit...)
}

func TestBot_RankSetWithoutCommandRecord(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)
	b.writeDB = failingCommandLog{DBI: b.writeDB}

	actor := newTestActor(session, testGuildID)
	target := session.addMember(testGuildID, newTestMember())

	i := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "Gold")
	b.handleInteraction(ctx, newGatewayHandler(session, i, b.logger))

	edits := waitForEdits(t, session, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(
		t,
		fmt.Sprintf(replyRankSet, mention(target.User.ID), "Gold"),
		*edits[0].Content,
	)
	assert.Equal(t, target.User.Username+" [Gold]", session.nick(testGuildID, target.User.ID))

	entry, err := b.manager.store.GetRank(ctx, testGuildID, target.User.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Gold", entry.Label)

	var count int64
	require.NoError(t, b.db.Model(&RankCommand{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBot_MemberBusy(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)
	b.workers.queueSize = 1

	actor := newTestActor(session, testGuildID)
	target := session.addMember(testGuildID, newTestMember())

	// hold the member's worker on its first job
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(
		t,
		b.workers.Dispatch(
			ctx, testGuildID, target.User.ID, memberJob{
				name: "block",
				run: func(context.Context) {
					close(started)
					<-release
				},
			},
		),
	)
	<-started
	defer close(release)

	// fills the queue
	first := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "Gold")
	b.handleInteraction(ctx, newGatewayHandler(session, first, b.logger))

	second := newRankInteraction(actor, testGuildID, rankSubcommandSet, target.User.ID, "Silver")
	b.handleInteraction(ctx, newGatewayHandler(session, second, b.logger))

	edits := waitForEdits(t, session, 1)
	require.NotNil(t, edits[0].Content)
	assert.Equal(t, fmt.Sprintf(replyMemberBusy, mention(target.User.ID)), *edits[0].Content)

	cmd := findRankCommand(t, b, second.ID)
	assert.Equal(t, RankCommandStateFailed, cmd.State)
}

func TestBot_MemberEventCorrectsNickname(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)

	target := newTestMember()
	target.Nick = "Ace [Bronze]"
	session.addMember(testGuildID, target)
	_, err := b.writeDB.PutRank(
		ctx, &RankEntry{
			GuildID:     testGuildID,
			MemberID:    target.User.ID,
			Label:       "Gold",
			DisplayName: "Ace",
		},
	)
	require.NoError(t, err)

	b.dispatchMemberEvent(ctx, "member_update", session.member(testGuildID, target.User.ID))

	require.Eventually(
		t,
		func() bool {
			return session.nick(testGuildID, target.User.ID) == "Ace [Gold]"
		},
		5*time.Second,
		10*time.Millisecond,
	)
}

func TestBot_Guilds(t *testing.T) {
	b, _ := newTestBot(t)
	b.trackGuild("3")
	b.trackGuild("2")
	assert.Equal(t, []string{testGuildID, "2", "3"}, b.Guilds())

	b.untrackGuild("2")
	assert.Equal(t, []string{testGuildID, "3"}, b.Guilds())
}

func TestBot_HandleReady(t *testing.T) {
	ctx := context.Background()
	b, session := newTestBot(t)
	b.config.Discord.ApplicationID = ""

	wg := &sync.WaitGroup{}
	b.handleReady(
		ctx, wg, &discordgo.Ready{
			SessionID:   "abc",
			User:        &discordgo.User{ID: testBotID},
			Application: &discordgo.Application{ID: testAppID},
			Guilds:      []*discordgo.Guild{{ID: "42"}},
		},
	)
	wg.Wait()

	assert.Equal(t, testAppID, b.config.Discord.ApplicationID)
	assert.Contains(t, b.Guilds(), "42")
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.commands, 1)
	assert.Equal(t, DiscordSlashCommandRank, session.commands[0].Name)
}

func TestConfigMissing(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrConfigMissing)
	for _, name := range []string{EnvDiscordBotToken, EnvAuthorizedRole, EnvRankChannelName} {
		assert.Contains(t, err.Error(), name)
	}

	cfg = newTestConfig(t)
	require.NoError(t, cfg.Validate())

	b, err := New(cfg)
	require.NoError(t, err)
	cfg.RankChannelName = " "
	err = b.Run(context.Background())
	require.ErrorIs(t, err, ErrConfigMissing)
	assert.Contains(t, err.Error(), EnvRankChannelName)
}
