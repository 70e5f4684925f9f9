package rankbot

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	rankListEmpty       = "No ranks available."
	rankListCodeFence   = "```"
	rankListOverflowFmt = "…and %d more"
)

// RenderRankList renders the body of a guild's rank list message. Lines
// are "name: label", sorted by name. Output never exceeds Discord's
// message length limit; entries that don't fit are summarized in a
// trailing line.
func RenderRankList(entries []RankEntry) string {
	if len(entries) == 0 {
		return rankListEmpty
	}

	type row struct {
		name     string
		sortKey  string
		memberID string
		label    string
	}

	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		name := rankEntryName(e)
		rows = append(
			rows, row{
				name:     name,
				sortKey:  strings.ToLower(name),
				memberID: e.MemberID,
				label:    e.Label,
			},
		)
	}
	sort.SliceStable(
		rows, func(i, j int) bool {
			if rows[i].sortKey != rows[j].sortKey {
				return rows[i].sortKey < rows[j].sortKey
			}
			return rows[i].memberID < rows[j].memberID
		},
	)

	var sb strings.Builder
	sb.WriteString(rankListCodeFence + "\n")
	used := utf8.RuneCountInString(rankListCodeFence)*2 + 1

	for i, r := range rows {
		line := fmt.Sprintf("%s: %s", r.name, r.label)
		need := used + utf8.RuneCountInString(line) + 1
		if remaining := len(rows) - i - 1; remaining > 0 {
			need += utf8.RuneCountInString(fmt.Sprintf(rankListOverflowFmt, remaining)) + 1
		}
		if need > discordMaxMessageLength {
			sb.WriteString(fmt.Sprintf(rankListOverflowFmt, len(rows)-i))
			sb.WriteString("\n")
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		used += utf8.RuneCountInString(line) + 1
	}
	sb.WriteString(rankListCodeFence)
	return sb.String()
}

func rankEntryName(e RankEntry) string {
	name := strings.TrimSpace(e.DisplayName)
	if name == "" {
		return "User with ID " + e.MemberID
	}
	// a backtick run would end the code block early
	return strings.ReplaceAll(name, "`", "'")
}
