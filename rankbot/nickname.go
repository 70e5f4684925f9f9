package rankbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxNicknameLength is Discord's limit on guild nicknames, in runes
	maxNicknameLength = 32

	// maxRankLabelLength leaves room for at least one rune of the base
	// name plus " [" and "]"
	maxRankLabelLength = maxNicknameLength - 4
)

// ValidateLabel trims the label and checks that it can be embedded in a
// nickname. Errors wrap ErrInvalidRank.
func ValidateLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	switch {
	case label == "":
		return "", fmt.Errorf("%w: rank must not be empty", ErrInvalidRank)
	case utf8.RuneCountInString(label) > maxRankLabelLength:
		return "", fmt.Errorf(
			"%w: rank must be at most %d characters",
			ErrInvalidRank,
			maxRankLabelLength,
		)
	case strings.ContainsAny(label, "[]"):
		return "", fmt.Errorf("%w: rank must not contain '[' or ']'", ErrInvalidRank)
	case strings.IndexFunc(label, unicode.IsControl) >= 0:
		return "", fmt.Errorf("%w: rank must not contain control characters", ErrInvalidRank)
	}
	return label, nil
}

// FormatNickname decorates base with the rank label, as "Base [Label]".
// The base name is shortened if needed, so the label always fits
// within Discord's nickname limit.
func FormatNickname(base, label string) string {
	decoration := "[" + label + "]"
	base = strings.TrimSpace(base)
	room := maxNicknameLength - utf8.RuneCountInString(decoration) - 1
	if room < 1 || base == "" {
		return truncate(decoration, maxNicknameLength)
	}
	base = strings.TrimSpace(truncate(base, room))
	return base + " " + decoration
}

// ParseNickname splits a decorated nickname into its base name and
// label. ok is false if nick carries no rank decoration.
func ParseNickname(nick string) (base string, label string, ok bool) {
	nick = strings.TrimSpace(nick)
	if !strings.HasSuffix(nick, "]") {
		return nick, "", false
	}
	idx := strings.LastIndex(nick, "[")
	if idx < 0 {
		return nick, "", false
	}
	label = strings.TrimSpace(nick[idx+1 : len(nick)-1])
	if label == "" || strings.ContainsAny(label, "[]") {
		return nick, "", false
	}
	return strings.TrimSpace(nick[:idx]), label, true
}

// BaseName returns nick with any rank decoration removed.
func BaseName(nick string) string {
	base, _, _ := ParseNickname(nick)
	return base
}

// memberDisplayName resolves what Discord shows for the member in the
// guild: nickname, then global name, then username.
func memberDisplayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	return accountDisplayName(m.User)
}

// accountDisplayName is the member's name outside any guild nickname
func accountDisplayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// memberBaseName is the member's display name with any rank decoration
// stripped. If stripping leaves nothing, the account name is used.
func memberBaseName(m *discordgo.Member) string {
	base := BaseName(memberDisplayName(m))
	if base == "" && m != nil {
		base = accountDisplayName(m.User)
	}
	return base
}

// nicknameForRank returns the nickname to apply to m for label. An
// empty label means the decoration is removed. When the remaining base
// name is just the account name, the result is empty, which resets the
// guild nickname.
func nicknameForRank(m *discordgo.Member, label string) string {
	base := memberBaseName(m)
	if label != "" {
		return FormatNickname(base, label)
	}
	if m != nil && base == accountDisplayName(m.User) {
		return ""
	}
	return base
}
