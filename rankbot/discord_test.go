package rankbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
)

const (
	testGuildID = "100000000000000001"
	testAppID   = "200000000000000001"
	testBotID   = "300000000000000001"
)

type nicknameCall struct {
	GuildID  string
	UserID   string
	Nickname string
}

// mockDiscordSession is an in-memory DiscordSessionHandler holding a
// fake set of guilds. Failures can be injected per call type.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu       sync.Mutex
	nextID   int64
	members  map[string]map[string]*discordgo.Member
	roles    map[string][]*discordgo.Role
	channels map[string][]*discordgo.Channel
	messages map[string]map[string]string

	nicknameCalls   []nicknameCall
	channelsCreated []discordgo.GuildChannelCreateData
	sent            []*discordgo.Message
	edited          []*discordgo.Message
	responses       []*discordgo.InteractionResponse
	responseEdits   []*discordgo.WebhookEdit
	commands        []*discordgo.ApplicationCommand
	rolesCalls      int

	// injected failures
	nicknameErr    error
	memberErr      error
	rolesErr       error
	channelsErr    error
	sendErr        error
	editErr        error
	createErr      error
	nicknameErrFor map[string]error

	// onNickname runs before each nickname change is applied
	onNickname func(call nicknameCall)
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
		nextID:   900000000000000000,
		members:  map[string]map[string]*discordgo.Member{},
		roles:    map[string][]*discordgo.Role{},
		channels: map[string][]*discordgo.Channel{},
		messages: map[string]map[string]string{},

		nicknameErrFor: map[string]error{},
	}
	m.logLevel.Set(slog.LevelDebug)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (d *mockDiscordSession) newID() string {
	d.nextID++
	return strconv.FormatInt(d.nextID, 10)
}

// restError builds the error discordgo returns for a rejected request
func restError(status int, code int, message string) error {
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		},
		Message: &discordgo.APIErrorMessage{Code: code, Message: message},
	}
}

func missingPermissionsError() error {
	return restError(http.StatusForbidden, discordgo.ErrCodeMissingPermissions, "Missing Permissions")
}

func (d *mockDiscordSession) addMember(guildID string, m *discordgo.Member) *discordgo.Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[guildID] == nil {
		d.members[guildID] = map[string]*discordgo.Member{}
	}
	m.GuildID = guildID
	d.members[guildID][m.User.ID] = m
	return m
}

func (d *mockDiscordSession) addRole(guildID, id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[guildID] = append(d.roles[guildID], &discordgo.Role{ID: id, Name: name})
}

func (d *mockDiscordSession) addChannel(guildID string, ch *discordgo.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch.GuildID = guildID
	d.channels[guildID] = append(d.channels[guildID], ch)
}

func (d *mockDiscordSession) nick(guildID, userID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[guildID][userID]
	if !ok {
		return ""
	}
	return m.Nick
}

func (d *mockDiscordSession) member(guildID, userID string) *discordgo.Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[guildID][userID]
	if !ok {
		return nil
	}
	c := *m
	return &c
}

// messageContent returns the current content of the given message
func (d *mockDiscordSession) messageContent(channelID, messageID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.messages[channelID][messageID]
	return content, ok
}

func (d *mockDiscordSession) deleteMessage(channelID, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.messages[channelID], messageID)
}

func (d *mockDiscordSession) setNicknameErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nicknameErr = err
}

func (d *mockDiscordSession) getNicknameCalls() []nicknameCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]nicknameCall(nil), d.nicknameCalls...)
}

func (d *mockDiscordSession) getRolesCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rolesCalls
}

func (d *mockDiscordSession) getSent() []*discordgo.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.Message(nil), d.sent...)
}

func (d *mockDiscordSession) getResponses() []*discordgo.InteractionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), d.responses...)
}

func (d *mockDiscordSession) getResponseEdits() []*discordgo.WebhookEdit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.WebhookEdit(nil), d.responseEdits...)
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {
	d.logger.Info("mock setting identify")
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	d.logger.Info("mock setting http client")
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("overwrite application commands", "app_id", appID, "guild_id", guildID)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			ID:            d.newID(),
			ApplicationID: appID,
			GuildID:       guildID,
			Name:          c.Name,
			Description:   c.Description,
			Options:       c.Options,
		}
	}
	d.commands = cmds
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("mock responding to interaction", "interaction_id", interaction.ID)
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock getting interaction", "interaction_id", interaction.ID)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("mock editing interaction", "interaction_id", interaction.ID)
	d.responseEdits = append(d.responseEdits, newresp)
	msg := &discordgo.Message{ID: d.newID()}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memberErr != nil {
		return nil, d.memberErr
	}
	m, ok := d.members[guildID][userID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember, "Unknown Member")
	}
	c := *m
	return &c, nil
}

func (d *mockDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memberErr != nil {
		return nil, d.memberErr
	}
	ids := make([]string, 0, len(d.members[guildID]))
	for id := range d.members[guildID] {
		ids = append(ids, id)
	}
	// snowflakes of equal length sort numerically as strings
	sort.Strings(ids)
	var page []*discordgo.Member
	for _, id := range ids {
		if after != "" && id <= after {
			continue
		}
		c := *d.members[guildID][id]
		page = append(page, &c)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (d *mockDiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	_ ...discordgo.RequestOption,
) error {
	call := nicknameCall{GuildID: guildID, UserID: userID, Nickname: nickname}
	d.mu.Lock()
	hook := d.onNickname
	d.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nicknameCalls = append(d.nicknameCalls, call)
	if err := d.nicknameErrFor[userID]; err != nil {
		return err
	}
	if d.nicknameErr != nil {
		return d.nicknameErr
	}
	m, ok := d.members[guildID][userID]
	if !ok {
		return restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember, "Unknown Member")
	}
	m.Nick = nickname
	return nil
}

func (d *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolesCalls++
	if d.rolesErr != nil {
		return nil, d.rolesErr
	}
	return append([]*discordgo.Role(nil), d.roles[guildID]...), nil
}

func (d *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channelsErr != nil {
		return nil, d.channelsErr
	}
	return append([]*discordgo.Channel(nil), d.channels[guildID]...), nil
}

func (d *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.channelsCreated = append(d.channelsCreated, data)
	ch := &discordgo.Channel{
		ID:      d.newID(),
		GuildID: guildID,
		Name:    rankChannelSlug(data.Name),
		Type:    data.Type,
		Topic:   data.Topic,
	}
	d.channels[guildID] = append(d.channels[guildID], ch)
	return ch, nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	msg := &discordgo.Message{ID: d.newID(), ChannelID: channelID, Content: content}
	if d.messages[channelID] == nil {
		d.messages[channelID] = map[string]string{}
	}
	d.messages[channelID][msg.ID] = content
	d.sent = append(d.sent, msg)
	return msg, nil
}

func (d *mockDiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.editErr != nil {
		return nil, d.editErr
	}
	if _, ok := d.messages[channelID][messageID]; !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage, "Unknown Message")
	}
	d.messages[channelID][messageID] = content
	msg := &discordgo.Message{ID: messageID, ChannelID: channelID, Content: content}
	d.edited = append(d.edited, msg)
	return msg, nil
}

func TestAppCommandRank(t *testing.T) {
	d := &Discord{}
	cmd := d.appCommandRank()

	assert.Equal(t, DiscordSlashCommandRank, cmd.Name)
	require.NotNil(t, cmd.DMPermission)
	assert.False(t, *cmd.DMPermission)
	require.NotNil(t, cmd.Contexts)
	assert.Equal(
		t,
		[]discordgo.InteractionContextType{discordgo.InteractionContextGuild},
		*cmd.Contexts,
	)

	require.Len(t, cmd.Options, 2)
	set, remove := cmd.Options[0], cmd.Options[1]

	assert.Equal(t, rankSubcommandSet, set.Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionSubCommand, set.Type)
	require.Len(t, set.Options, 2)
	assert.Equal(t, rankOptionMember, set.Options[0].Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionUser, set.Options[0].Type)
	assert.True(t, set.Options[0].Required)
	assert.Equal(t, rankOptionNewRank, set.Options[1].Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, set.Options[1].Type)
	assert.Equal(t, maxRankLabelLength, set.Options[1].MaxLength)

	assert.Equal(t, rankSubcommandRemove, remove.Name)
	require.Len(t, remove.Options, 1)
	assert.Equal(t, rankOptionMember, remove.Options[0].Name)
}

func TestRegisterCommands(t *testing.T) {
	session := newMockDiscordSession()
	d := &Discord{
		session: session,
		config:  &DiscordConfig{ApplicationID: testAppID, GuildID: testGuildID},
		logger:  slog.Default(),
	}

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, DiscordSlashCommandRank, created[0].Name)
	assert.Equal(t, testGuildID, created[0].GuildID)

	d.config.ApplicationID = ""
	_, err = d.registerCommands()
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestNewDiscordPublicKey(t *testing.T) {
	_, err := newDiscord(
		&DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{PublicKey: "not-hex"},
		},
	)
	assert.Error(t, err)

	_, err = newDiscord(
		&DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{PublicKey: "abcd"},
		},
	)
	assert.ErrorContains(t, err, "invalid public key length")
}
