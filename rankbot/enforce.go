package rankbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sourcegraph/conc/pool"
	"sync/atomic"
)

// guildMembersPageSize is the largest page GuildMembers accepts
const guildMembersPageSize = 1000

const (
	enforceKindCorrected = "corrected"
	enforceKindStripped  = "stripped"
	enforceKindImported  = "imported"
)

// EnforceReport summarizes an enforcement pass over a guild.
type EnforceReport struct {
	GuildID  string `json:"guild_id"`
	Checked  int    `json:"checked"`
	Imported int    `json:"imported"`

	// Corrected counts nicknames set back to their stored rank
	Corrected int `json:"corrected"`

	// Stripped counts rank decorations removed from members without
	// a stored rank
	Stripped int `json:"stripped"`

	// NamesUpdated counts display name snapshots refreshed in the store
	NamesUpdated int `json:"names_updated"`
	Failed       int `json:"failed"`
}

// SyncGuild brings a guild in line with the store when the bot joins or
// reconnects. A guild with no stored ranks imports them from existing
// nicknames; otherwise stored ranks are enforced. The rank list is
// refreshed either way.
func (m *RankManager) SyncGuild(ctx context.Context, guildID string) (EnforceReport, error) {
	logger := contextLoggerOr(ctx, m.logger).With("guild_id", guildID)

	count, err := m.store.CountRanks(ctx, guildID)
	if err != nil {
		return EnforceReport{GuildID: guildID}, fmt.Errorf("error counting ranks: %w", err)
	}

	var report EnforceReport
	if count == 0 {
		report, err = m.ImportGuild(ctx, guildID)
	} else {
		report, err = m.EnforceGuild(ctx, guildID)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error syncing guild", tint.Err(err))
	}

	if listErr := m.RefreshRankList(ctx, guildID); listErr != nil {
		err = errors.Join(err, listErr)
	}
	logger.InfoContext(ctx, "synced guild", "report", report)
	return report, err
}

// ImportGuild stores a rank for each member whose nickname already
// carries a valid rank decoration.
func (m *RankManager) ImportGuild(ctx context.Context, guildID string) (EnforceReport, error) {
	report := EnforceReport{GuildID: guildID}
	members, err := m.listMembers(ctx, guildID)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		report.Checked++
		base, label, ok := ParseNickname(member.Nick)
		if !ok {
			continue
		}
		if label, err = ValidateLabel(label); err != nil {
			continue
		}
		if base == "" {
			base = accountDisplayName(member.User)
		}
		var imported bool
		putErr := m.onMemberWorker(
			ctx, guildID, member.User.ID, "import",
			func(jobCtx context.Context) error {
				// a rank set since the listing wins over the nickname
				existing, e := m.store.GetRank(jobCtx, guildID, member.User.ID)
				if e != nil || existing != nil {
					return e
				}
				_, e = m.store.PutRank(
					jobCtx, &RankEntry{
						GuildID:     guildID,
						MemberID:    member.User.ID,
						Label:       label,
						DisplayName: base,
					},
				)
				imported = e == nil
				return e
			},
		)
		if errors.Is(putErr, ErrMemberBusy) {
			continue
		}
		if putErr != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("%w: %w", ErrStoreWriteFailed, putErr))
			continue
		}
		if !imported {
			continue
		}
		report.Imported++
		m.metrics.enforced.WithLabelValues(enforceKindImported).Inc()
	}
	return report, errors.Join(errs...)
}

// EnforceGuild re-applies stored ranks to every member's nickname, with
// bounded concurrency.
func (m *RankManager) EnforceGuild(ctx context.Context, guildID string) (EnforceReport, error) {
	report := EnforceReport{GuildID: guildID}

	entries, err := m.store.ListRanks(ctx, guildID)
	if err != nil {
		return report, fmt.Errorf("error listing ranks: %w", err)
	}
	byMember := make(map[string]*RankEntry, len(entries))
	for i := range entries {
		byMember[entries[i].MemberID] = &entries[i]
	}

	members, err := m.listMembers(ctx, guildID)
	if err != nil {
		return report, err
	}

	workers := DefaultDiscordEnforceWorkers
	if m.config.Discord != nil && m.config.Discord.EnforceWorkers > 0 {
		workers = m.config.Discord.EnforceWorkers
	}

	var checked, corrected, stripped, namesUpdated, failed atomic.Int64
	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		entry := byMember[member.User.ID]
		p.Go(
			func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				checked.Add(1)
				if !needsEnforcement(member, entry) {
					return nil
				}
				outcome, e := m.enforceOnWorker(ctx, guildID, member.User.ID)
				if errors.Is(e, ErrMemberBusy) {
					// the member has commands queued, which apply the
					// stored rank themselves
					return nil
				}
				switch {
				case e != nil:
					failed.Add(1)
				case outcome.corrected:
					corrected.Add(1)
				case outcome.stripped:
					stripped.Add(1)
				}
				if outcome.nameUpdated {
					namesUpdated.Add(1)
				}
				return e
			},
		)
	}
	err = p.Wait()

	report.Checked = int(checked.Load())
	report.Corrected = int(corrected.Load())
	report.Stripped = int(stripped.Load())
	report.NamesUpdated = int(namesUpdated.Load())
	report.Failed = int(failed.Load())
	return report, err
}

// enforceOnWorker enforces a member's rank on that member's worker, after
// any rank command already queued for them. The member and its stored
// rank are read again there, since the listing may be stale by then.
func (m *RankManager) enforceOnWorker(
	ctx context.Context,
	guildID string,
	memberID string,
) (enforceOutcome, error) {
	var outcome enforceOutcome
	err := m.onMemberWorker(
		ctx, guildID, memberID, "enforce",
		func(jobCtx context.Context) error {
			entry, err := m.store.GetRank(jobCtx, guildID, memberID)
			if err != nil {
				return fmt.Errorf("error loading rank: %w", err)
			}
			member, err := m.fetchMember(jobCtx, guildID, memberID)
			if err != nil {
				return err
			}
			outcome, err = m.enforceMember(jobCtx, guildID, member, entry)
			return err
		},
	)
	return outcome, err
}

// needsEnforcement reports whether member's nickname or stored display
// name disagree with entry.
func needsEnforcement(member *discordgo.Member, entry *RankEntry) bool {
	if entry == nil {
		_, _, decorated := ParseNickname(member.Nick)
		return decorated
	}
	if nicknameForRank(member, entry.Label) != member.Nick {
		return true
	}
	base := memberBaseName(member)
	return base != "" && base != entry.DisplayName
}

type enforceOutcome struct {
	corrected   bool
	stripped    bool
	nameUpdated bool
}

// EnforceMember checks a single member's nickname against the store,
// used when a member joins or is updated. The rank list is refreshed if
// the member's display name changed.
func (m *RankManager) EnforceMember(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
) error {
	if member == nil || member.User == nil || member.User.Bot {
		return nil
	}
	entry, err := m.store.GetRank(ctx, guildID, member.User.ID)
	if err != nil {
		return fmt.Errorf("error loading rank: %w", err)
	}
	outcome, err := m.enforceMember(ctx, guildID, member, entry)
	if outcome.nameUpdated {
		err = errors.Join(err, m.RefreshRankList(ctx, guildID))
	}
	return err
}

func (m *RankManager) enforceMember(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	entry *RankEntry,
) (enforceOutcome, error) {
	var outcome enforceOutcome
	logger := contextLoggerOr(ctx, m.logger).With(
		"guild_id", guildID,
		"member_id", member.User.ID,
	)

	var label string
	if entry != nil {
		label = entry.Label
	} else if _, _, decorated := ParseNickname(member.Nick); !decorated {
		return outcome, nil
	}

	var errs []error
	if want := nicknameForRank(member, label); want != member.Nick {
		logger.InfoContext(
			ctx,
			"enforcing nickname",
			"current", member.Nick,
			"want", want,
		)
		if _, err := m.applyNickname(ctx, guildID, member, label); err != nil {
			errs = append(errs, err)
		} else if entry != nil {
			outcome.corrected = true
			m.metrics.enforced.WithLabelValues(enforceKindCorrected).Inc()
		} else {
			outcome.stripped = true
			m.metrics.enforced.WithLabelValues(enforceKindStripped).Inc()
		}
	}

	if entry != nil {
		if base := memberBaseName(member); base != "" && base != entry.DisplayName {
			err := m.store.UpdateRankDisplayName(ctx, guildID, entry.MemberID, base)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err))
			} else {
				outcome.nameUpdated = true
				entry.DisplayName = base
			}
		}
	}
	return outcome, errors.Join(errs...)
}

// listMembers pages through every member of the guild.
func (m *RankManager) listMembers(ctx context.Context, guildID string) (
	[]*discordgo.Member,
	error,
) {
	var all []*discordgo.Member
	var after string
	for {
		var page []*discordgo.Member
		err := m.withRetry(
			ctx, func() error {
				var e error
				page, e = m.session.GuildMembers(
					guildID,
					after,
					guildMembersPageSize,
					discordgo.WithContext(ctx),
				)
				return e
			},
		)
		if err != nil {
			return all, fmt.Errorf("error listing guild members: %w", err)
		}
		all = append(all, page...)
		if len(page) < guildMembersPageSize {
			return all, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return all, nil
		}
		after = last.User.ID
	}
}
