package rankbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type RankAction string

const (
	RankActionSet    RankAction = "set"
	RankActionRemove RankAction = "remove"
)

func (a RankAction) String() string {
	return string(a)
}

// Actor is the member invoking a rank command.
type Actor struct {
	UserID  string
	RoleIDs []string

	// Permissions are the actor's computed permissions, as sent with
	// the interaction
	Permissions int64

	// authorized is set once Authorize has passed for this command
	authorized bool
}

func actorFromMember(m *discordgo.Member) Actor {
	if m == nil {
		return Actor{}
	}
	a := Actor{RoleIDs: m.Roles, Permissions: m.Permissions}
	if m.User != nil {
		a.UserID = m.User.ID
	}
	return a
}

func (a Actor) isAdministrator() bool {
	return a.Permissions&discordgo.PermissionAdministrator == discordgo.PermissionAdministrator
}

// RankResult describes the outcome of a rank change that passed
// authorization and was written to the store. The nickname and rank
// list steps can fail independently of each other.
type RankResult struct {
	Action        RankAction `json:"action"`
	GuildID       string     `json:"guild_id"`
	MemberID      string     `json:"member_id"`
	Label         string     `json:"label,omitempty"`
	PreviousLabel string     `json:"previous_label,omitempty"`

	// Nickname is the nickname applied to the member. Empty means the
	// guild nickname was reset.
	Nickname string `json:"nickname,omitempty"`

	// Changed is false when the store already held this state, such as
	// removing a rank that wasn't set
	Changed bool `json:"changed"`

	NicknameErr error `json:"-"`
	ListErr     error `json:"-"`
}

// Err joins the nickname and list errors, if any.
func (r RankResult) Err() error {
	return errors.Join(r.NicknameErr, r.ListErr)
}

func (r RankResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("action", r.Action.String()),
		slog.String("guild_id", r.GuildID),
		slog.String("member_id", r.MemberID),
		slog.String("label", r.Label),
		slog.String("previous_label", r.PreviousLabel),
		slog.String("nickname", r.Nickname),
		slog.Bool("changed", r.Changed),
	}
	if r.NicknameErr != nil {
		attrs = append(attrs, slog.String("nickname_error", r.NicknameErr.Error()))
	}
	if r.ListErr != nil {
		attrs = append(attrs, slog.String("list_error", r.ListErr.Error()))
	}
	return slog.GroupValue(attrs...)
}

// RankManager owns rank state: the store, member nicknames and each
// guild's rank list message.
type RankManager struct {
	store   RankStore
	session DiscordSessionHandler
	config  *Config
	logger  *slog.Logger
	metrics *botMetrics

	// retryLimiter paces the single retry of failed Discord calls
	// across the whole bot
	retryLimiter *rate.Limiter

	// workers, when set, serialize enforcement writes with the rank
	// commands queued for the same member
	workers *memberWorkerPool

	// listLocks serializes rank list refreshes per guild
	listLocks   map[string]*sync.Mutex
	listLocksMu sync.Mutex

	botUserID atomic.Value
}

// NewRankManager returns a RankManager using store for persistence and
// session for Discord calls.
func NewRankManager(
	store RankStore,
	session DiscordSessionHandler,
	config *Config,
	logger *slog.Logger,
	metrics *botMetrics,
) *RankManager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = newBotMetrics()
	}
	retryEvery := rate.Inf
	if config.Discord != nil && config.Discord.RetryDelay > 0 {
		retryEvery = rate.Every(config.Discord.RetryDelay)
	}
	return &RankManager{
		store:        store,
		session:      session,
		config:       config,
		logger:       logger.With(loggerNameKey, "rank_manager"),
		metrics:      metrics,
		retryLimiter: rate.NewLimiter(retryEvery, 1),
		listLocks:    map[string]*sync.Mutex{},
	}
}

// SetBotUserID records the bot's own user ID, which is granted send
// permission when the rank channel is created.
func (m *RankManager) SetBotUserID(id string) {
	m.botUserID.Store(id)
}

func (m *RankManager) getBotUserID() string {
	id, _ := m.botUserID.Load().(string)
	return id
}

// Authorize returns ErrPermissionDenied unless the actor is an
// administrator or holds one of the authorized roles. Roles match by ID,
// or by name (case-insensitive). An actor already authorized for the
// current command isn't checked again.
func (m *RankManager) Authorize(ctx context.Context, guildID string, actor Actor) error {
	if actor.authorized || actor.isAdministrator() {
		return nil
	}
	authorized := m.config.AuthorizedRoles()
	if len(authorized) == 0 || len(actor.RoleIDs) == 0 {
		return ErrPermissionDenied
	}

	actorRoles := make(map[string]bool, len(actor.RoleIDs))
	for _, id := range actor.RoleIDs {
		actorRoles[id] = true
	}
	for _, role := range authorized {
		if actorRoles[role] {
			return nil
		}
	}

	var roles []*discordgo.Role
	err := m.withRetry(
		ctx, func() error {
			var e error
			roles, e = m.session.GuildRoles(guildID, discordgo.WithContext(ctx))
			return e
		},
	)
	if err != nil {
		contextLoggerOr(ctx, m.logger).ErrorContext(
			ctx,
			"unable to fetch guild roles",
			tint.Err(err),
			"guild_id", guildID,
		)
		return fmt.Errorf("%w: unable to resolve roles: %w", ErrPermissionDenied, err)
	}
	for _, role := range roles {
		if !actorRoles[role.ID] {
			continue
		}
		for _, name := range authorized {
			if strings.EqualFold(role.Name, name) {
				return nil
			}
		}
	}
	return ErrPermissionDenied
}

// SetRank assigns label to the member, updating the store, then the
// member's nickname and the rank list. A store failure aborts the
// operation before either external change. Nickname and list failures
// are reported on the result.
func (m *RankManager) SetRank(
	ctx context.Context,
	guildID string,
	actor Actor,
	memberID string,
	label string,
) (RankResult, error) {
	result := RankResult{Action: RankActionSet, GuildID: guildID, MemberID: memberID}
	logger := contextLoggerOr(ctx, m.logger).With(
		"guild_id", guildID,
		"member_id", memberID,
	)

	if err := m.Authorize(ctx, guildID, actor); err != nil {
		return result, err
	}
	label, err := ValidateLabel(label)
	if err != nil {
		return result, err
	}
	result.Label = label

	member, memberErr := m.fetchMember(ctx, guildID, memberID)
	if memberErr != nil {
		logger.WarnContext(ctx, "unable to fetch member", tint.Err(memberErr))
	}

	entry := &RankEntry{
		GuildID:     guildID,
		MemberID:    memberID,
		Label:       label,
		DisplayName: memberBaseName(member),
		SetBy:       actor.UserID,
	}
	if entry.DisplayName == "" {
		if existing, e := m.store.GetRank(ctx, guildID, memberID); e == nil && existing != nil {
			entry.DisplayName = existing.DisplayName
		}
	}

	previous, err := m.store.PutRank(ctx, entry)
	if err != nil {
		logger.ErrorContext(ctx, "error storing rank", tint.Err(err))
		return result, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	result.Changed = previous == nil || previous.Label != label
	if previous != nil {
		result.PreviousLabel = previous.Label
	}
	logger.InfoContext(ctx, "stored rank", "rank", entry, "previous_label", result.PreviousLabel)

	m.applyChanges(ctx, &result, member, memberErr, label)
	return result, nil
}

// RemoveRank deletes the member's rank, strips the decoration from their
// nickname and refreshes the rank list. Removing a rank that isn't set
// is a no-op.
func (m *RankManager) RemoveRank(
	ctx context.Context,
	guildID string,
	actor Actor,
	memberID string,
) (RankResult, error) {
	result := RankResult{Action: RankActionRemove, GuildID: guildID, MemberID: memberID}
	logger := contextLoggerOr(ctx, m.logger).With(
		"guild_id", guildID,
		"member_id", memberID,
	)

	if err := m.Authorize(ctx, guildID, actor); err != nil {
		return result, err
	}

	previous, err := m.store.DeleteRank(ctx, guildID, memberID)
	if err != nil {
		logger.ErrorContext(ctx, "error deleting rank", tint.Err(err))
		return result, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	if previous == nil {
		logger.InfoContext(ctx, "no rank to remove")
		return result, nil
	}
	result.Changed = true
	result.PreviousLabel = previous.Label
	logger.InfoContext(ctx, "deleted rank", "rank", previous)

	member, memberErr := m.fetchMember(ctx, guildID, memberID)
	m.applyChanges(ctx, &result, member, memberErr, "")
	return result, nil
}

// applyChanges updates the nickname and the rank list concurrently,
// recording each failure on result.
func (m *RankManager) applyChanges(
	ctx context.Context,
	result *RankResult,
	member *discordgo.Member,
	memberErr error,
	label string,
) {
	wg := conc.NewWaitGroup()
	wg.Go(
		func() {
			if memberErr != nil {
				m.metrics.nicknameUpdates.WithLabelValues(metricResultFailure).Inc()
				result.NicknameErr = fmt.Errorf("%w: %w", ErrNicknameUpdateFailed, memberErr)
				return
			}
			result.Nickname, result.NicknameErr = m.applyNickname(ctx, result.GuildID, member, label)
		},
	)
	wg.Go(
		func() {
			result.ListErr = m.RefreshRankList(ctx, result.GuildID)
		},
	)
	wg.Wait()
}

func (m *RankManager) fetchMember(
	ctx context.Context,
	guildID string,
	memberID string,
) (*discordgo.Member, error) {
	var member *discordgo.Member
	err := m.withRetry(
		ctx, func() error {
			var e error
			member, e = m.session.GuildMember(guildID, memberID, discordgo.WithContext(ctx))
			return e
		},
	)
	if err != nil {
		return nil, err
	}
	if member.GuildID == "" {
		member.GuildID = guildID
	}
	return member, nil
}

// applyNickname sets the member's nickname to reflect label (or no rank,
// if label is empty). The call is skipped if the nickname is already
// correct.
func (m *RankManager) applyNickname(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	label string,
) (string, error) {
	nick := nicknameForRank(member, label)
	if nick == member.Nick {
		m.metrics.nicknameUpdates.WithLabelValues(metricResultSkipped).Inc()
		return nick, nil
	}
	var userID string
	if member.User != nil {
		userID = member.User.ID
	}
	err := m.withRetry(
		ctx, func() error {
			return m.session.GuildMemberNickname(guildID, userID, nick, discordgo.WithContext(ctx))
		},
	)
	m.metrics.nicknameUpdates.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		contextLoggerOr(ctx, m.logger).WarnContext(
			ctx,
			"unable to update nickname",
			tint.Err(err),
			"guild_id", guildID,
			"member_id", userID,
			"nickname", nick,
		)
		return nick, fmt.Errorf("%w: %w", ErrNicknameUpdateFailed, err)
	}
	member.Nick = nick
	return nick, nil
}

// onMemberWorker runs fn on the member's worker and waits for it. Without
// a worker pool, fn runs on the calling goroutine.
func (m *RankManager) onMemberWorker(
	ctx context.Context,
	guildID string,
	memberID string,
	name string,
	fn func(ctx context.Context) error,
) error {
	if m.workers == nil {
		return fn(ctx)
	}
	var err error
	doErr := m.workers.Do(
		ctx,
		guildID,
		memberID,
		memberJob{
			name: name,
			run: func(jobCtx context.Context) {
				err = fn(jobCtx)
			},
		},
	)
	if doErr != nil {
		return doErr
	}
	return err
}

// withRetry runs op, and runs it once more if the failure looks
// transient. Retries are paced by retryLimiter.
func (m *RankManager) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || ctx.Err() != nil || !isRetryableDiscordError(err) {
		return err
	}
	started := time.Now()
	if waitErr := m.retryLimiter.Wait(ctx); waitErr != nil {
		return err
	}
	contextLoggerOr(ctx, m.logger).DebugContext(
		ctx,
		"retrying discord request",
		tint.Err(err),
		"waited", time.Since(started),
	)
	return op()
}
