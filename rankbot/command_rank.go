package rankbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sourcegraph/conc"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	RankCommandStateReceived  RankCommandState = "received"
	RankCommandStateDenied    RankCommandState = "denied"
	RankCommandStateCompleted RankCommandState = "completed"
	RankCommandStatePartial   RankCommandState = "partial"
	RankCommandStateFailed    RankCommandState = "failed"
)

const (
	replyRankSet          = "✅ %s's rank has been updated to %s."
	replyRankRemoved      = "✅ %s's rank has been removed."
	replyNoRank           = "✅ %s does not have a rank assigned."
	replyNicknameFailed   = "⚠️ Nickname could not be updated: %s"
	replyListFailed       = "⚠️ Rank list could not be updated: %s"
	replyPermissionDenied = "🚫 You do not have permission to use this command. " +
		"Only admins or authorized roles can use this."
	replyCommandError = "🚫 An error occurred while processing the command."
	replyGuildOnly    = "🚫 This command can only be used in a server."
	replyMemberBusy   = "⏳ Another rank change for %s is still in progress, try again shortly."
)

var (
	columnRankCommandState         = "state"
	columnRankCommandPreviousLabel = "previous_label"
	columnRankCommandStoreError    = "store_error"
	columnRankCommandNicknameError = "nickname_error"
	columnRankCommandListError     = "list_error"
	columnRankCommandResponse      = "response"
	columnRankCommandStartedAt     = "started_at"
	columnRankCommandFinishedAt    = "finished_at"
	columnRankCommandAcknowledged  = "acknowledged"
)

type RankCommandState string

func (s RankCommandState) String() string {
	return string(s)
}

// RankCommand is the record of a single `/rank set` or `/rank remove`
// invocation, from receipt to the final reply.
//
//nolint:lll // struct tags can't be split
type RankCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction

	Action        RankAction       `json:"action" gorm:"type:string;not null"`
	MemberID      string           `json:"member_id" gorm:"index;not null"`
	Label         string           `json:"label" gorm:"type:string"`
	PreviousLabel string           `json:"previous_label" gorm:"type:string"`
	State         RankCommandState `json:"state" gorm:"type:string;index"`

	StoreError    NullableString `json:"store_error"`
	NicknameError NullableString `json:"nickname_error"`
	ListError     NullableString `json:"list_error"`

	actor   Actor
	handler InteractionHandler
	logger  *slog.Logger
}

// newRankCommand reads the subcommand and its options from the
// interaction.
func newRankCommand(
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) (*RankCommand, error) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return nil, fmt.Errorf("unexpected interaction type: %s", i.Type)
	}
	data := i.ApplicationCommandData()
	if data.Name != DiscordSlashCommandRank {
		return nil, fmt.Errorf("unexpected command: %q", data.Name)
	}

	c := &RankCommand{
		Interaction: newInteraction(i),
		State:       RankCommandStateReceived,
		actor:       actorFromMember(i.Member),
		handler:     handler,
	}

	subcommand, options := subcommandOptions(i)
	switch subcommand {
	case rankSubcommandSet:
		c.Action = RankActionSet
	case rankSubcommandRemove:
		c.Action = RankActionRemove
	default:
		return nil, fmt.Errorf("unknown subcommand: %q", subcommand)
	}

	memberOpt, ok := options[rankOptionMember]
	if !ok || memberOpt.Type != discordgo.ApplicationCommandOptionUser {
		return nil, errors.New("missing member option")
	}
	memberID, ok := memberOpt.Value.(string)
	if !ok || memberID == "" {
		return nil, errors.New("invalid member option")
	}
	c.MemberID = memberID

	if c.Action == RankActionSet {
		labelOpt, found := options[rankOptionNewRank]
		if !found || labelOpt.Type != discordgo.ApplicationCommandOptionString {
			return nil, errors.New("missing new_rank option")
		}
		c.Label = labelOpt.StringValue()
	}

	if handler != nil {
		c.logger = handler.Logger().With("rank_command", c)
	} else {
		c.logger = slog.Default().With("rank_command", c)
	}
	return c, nil
}

func (c RankCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("interaction", c.Interaction),
		slog.String("action", c.Action.String()),
		slog.String("member_id", c.MemberID),
		slog.String("label", c.Label),
		slog.String("state", c.State.String()),
	)
}

// Deadline is when the interaction token expires, after which the reply
// can no longer be edited.
func (c *RankCommand) Deadline() time.Time {
	return time.UnixMilli(c.TokenExpires).UTC()
}

// execute runs the rank change and edits the deferred reply with the
// outcome. The command record is updated with the final state.
func (c *RankCommand) execute(ctx context.Context, b *Bot) {
	started := time.Now()
	c.StartedAt = &started
	logger := contextLoggerOr(ctx, c.logger)
	ctx = WithLogger(ctx, logger)

	var (
		result RankResult
		err    error
	)
	func() {
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(ctx, rc)
				err = fmt.Errorf("panic executing rank command: %v", rc)
			}
		}()
		switch c.Action {
		case RankActionSet:
			result, err = b.manager.SetRank(ctx, c.GuildID, c.actor, c.MemberID, c.Label)
		case RankActionRemove:
			result, err = b.manager.RemoveRank(ctx, c.GuildID, c.actor, c.MemberID)
		default:
			err = fmt.Errorf("unknown action: %q", c.Action)
		}
	}()

	content, state := rankReply(result, err)
	c.finish(result, err, content, state)
	b.metrics.commands.WithLabelValues(c.Action.String(), state.String()).Inc()
	b.metrics.commandDuration.WithLabelValues(c.Action.String()).Observe(
		time.Since(started).Seconds(),
	)

	logger.InfoContext(
		ctx,
		"rank command finished",
		"state", state,
		"result", result,
		"duration", time.Since(started),
	)

	wg := conc.NewWaitGroup()
	defer wg.Wait()

	wg.Go(
		func() {
			if time.Now().After(c.Deadline()) {
				logger.WarnContext(ctx, "interaction token expired, not replying")
				return
			}
			_, editErr := c.handler.Edit(
				ctx,
				&discordgo.WebhookEdit{Content: &content},
				discordgo.WithContext(ctx),
			)
			if editErr != nil {
				logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
			}
		},
	)
	wg.Go(
		func() {
			// no audit record was saved
			if c.ID == 0 {
				return
			}
			if _, e := b.writeDB.Updates(context.WithoutCancel(ctx), c, c.finalUpdates()); e != nil {
				logger.ErrorContext(ctx, "error updating rank command", tint.Err(e))
			}
		},
	)
}

// finish records the outcome of the command on its fields.
func (c *RankCommand) finish(result RankResult, err error, content string, state RankCommandState) {
	finished := time.Now()
	c.FinishedAt = &finished
	c.State = state
	c.Response = &content
	if result.Label != "" {
		c.Label = result.Label
	}
	c.PreviousLabel = result.PreviousLabel
	c.NicknameError = nullableError(result.NicknameErr)
	c.ListError = nullableError(result.ListErr)
	if errors.Is(err, ErrStoreWriteFailed) {
		c.StoreError = nullableError(err)
	}
}

func (c *RankCommand) finalUpdates() map[string]any {
	return map[string]any{
		columnRankCommandState:         c.State,
		columnRankCommandPreviousLabel: c.PreviousLabel,
		columnRankCommandStoreError:    c.StoreError,
		columnRankCommandNicknameError: c.NicknameError,
		columnRankCommandListError:     c.ListError,
		columnRankCommandResponse:      c.Response,
		columnRankCommandStartedAt:     c.StartedAt,
		columnRankCommandFinishedAt:    c.FinishedAt,
		columnRankCommandAcknowledged:  c.Acknowledged,
	}
}

func mention(memberID string) string {
	return "<@" + memberID + ">"
}

// rankReply builds the reply to the invoking member and the command's
// final state from the outcome of a rank change.
func rankReply(result RankResult, err error) (string, RankCommandState) {
	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied):
			return replyPermissionDenied, RankCommandStateDenied
		case errors.Is(err, ErrInvalidRank):
			return invalidRankReply(err), RankCommandStateFailed
		default:
			return replyCommandError, RankCommandStateFailed
		}
	}

	var lines []string
	switch {
	case result.Action == RankActionSet:
		lines = append(lines, fmt.Sprintf(replyRankSet, mention(result.MemberID), result.Label))
	case result.Changed:
		lines = append(lines, fmt.Sprintf(replyRankRemoved, mention(result.MemberID)))
	default:
		lines = append(lines, fmt.Sprintf(replyNoRank, mention(result.MemberID)))
	}

	state := RankCommandStateCompleted
	if result.NicknameErr != nil {
		lines = append(lines, fmt.Sprintf(replyNicknameFailed, failureReason(result.NicknameErr)))
		state = RankCommandStatePartial
	}
	if result.ListErr != nil {
		lines = append(lines, fmt.Sprintf(replyListFailed, failureReason(result.ListErr)))
		state = RankCommandStatePartial
	}
	return truncate(strings.Join(lines, "\n"), discordMaxMessageLength), state
}

// invalidRankReply returns the validation reason, without the
// ErrInvalidRank prefix.
func invalidRankReply(err error) string {
	reason := strings.TrimPrefix(err.Error(), ErrInvalidRank.Error()+": ")
	r, size := utf8.DecodeRuneInString(reason)
	if r != utf8.RuneError {
		reason = string(unicode.ToUpper(r)) + reason[size:]
	}
	return "🚫 " + reason + "."
}

// failureReason describes why a Discord update failed, in terms a
// member can act on.
func failureReason(err error) string {
	var restErr *discordgo.RESTError
	switch {
	case errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Message != "":
		if restErr.Message.Code == discordgo.ErrCodeMissingPermissions {
			return "the bot lacks permission (the member may outrank the bot, or own the server)"
		}
		return restErr.Message.Message
	case errors.As(err, &restErr) && restErr.Response != nil:
		return restErr.Response.Status
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	// drop the sentinel prefix, keeping the underlying cause
	msg := err.Error()
	for _, sentinel := range []error{ErrNicknameUpdateFailed, ErrListUpdateFailed} {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	return msg
}
