package rankbot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	// discordInteractionTokenLifespan is how long an interaction token
	// can be used to edit the original response
	discordInteractionTokenLifespan = 15 * time.Minute

	columnRankLabel       = "label"
	columnRankDisplayName = "display_name"
	columnRankSetBy       = "set_by"
	columnRankUpdatedAt   = "updated_at"

	columnRankListChannelID = "channel_id"
	columnRankListMessageID = "message_id"
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RankEntry is the stored rank for a single guild member. There is at
// most one entry per (guild, member). Removing a rank deletes the row.
//
//nolint:lll // struct tags can't be split
type RankEntry struct {
	ModelUintID
	ModelUnixTime
	GuildID  string `json:"guild_id" gorm:"not null;uniqueIndex:idx_rank_guild_member"`
	MemberID string `json:"member_id" gorm:"not null;uniqueIndex:idx_rank_guild_member"`
	Label    string `json:"label" gorm:"not null"`

	// DisplayName is the member's base display name as of the last
	// update, used when rendering the rank list
	DisplayName string `json:"display_name"`

	// SetBy is the ID of the member who last set this rank
	SetBy string `json:"set_by"`
}

func (r RankEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("member_id", r.MemberID),
		slog.String("label", r.Label),
		slog.String("display_name", r.DisplayName),
	)
}

// RankListMessage records where a guild's rank list message lives, so it
// can be edited in place.
type RankListMessage struct {
	GuildID   string `json:"guild_id" gorm:"primaryKey"`
	ChannelID string `json:"channel_id" gorm:"not null"`
	MessageID string `json:"message_id" gorm:"not null"`
	ModelUnixTime
}

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       interactionContextName(i.Context),
		Payload:       string(p),
		Method:        method,
	}
	if u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.String()
	}
	return interactionLog, nil
}

// Interaction is a 'base' struct of fields for Discord interactions, shared
// across interaction types
type Interaction struct {
	UserID         string     `json:"user_id" gorm:"index;not null;default:null"`
	InteractionID  string     `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	Token          string     `json:"-" gorm:"type:string"`
	TokenExpires   int64      `json:"token_expires"`
	AppID          string     `json:"application_id"`
	Type           string     `json:"type"`
	GuildID        string     `json:"guild_id" gorm:"index"`
	ChannelID      string     `json:"channel_id"`
	CommandContext string     `json:"context" gorm:"type:string"`
	Content        string     `json:"content" gorm:"type:string"`
	StartedAt      *time.Time `json:"started_at" gorm:"type:timestamp"`
	FinishedAt     *time.Time `json:"finished_at" gorm:"type:timestamp"`
	Acknowledged   bool       `json:"acknowledged"`

	// Response is the content of the final message returned to the
	// invoking member
	Response *string `json:"response" gorm:"type:string"`
}

func newInteraction(i *discordgo.InteractionCreate) Interaction {
	created := time.Now().UTC()
	r := Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   created.Add(discordInteractionTokenLifespan).UnixMilli(),
		AppID:          i.AppID,
		Type:           i.Type.String(),
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: interactionContextName(i.Context),
	}
	if u := getDiscordUser(i); u != nil {
		r.UserID = u.ID
	}

	content, err := json.Marshal(i)
	if err != nil {
		slog.Default().Error(
			"error marshaling json",
			tint.Err(err),
			"interaction_id", i.ID,
		)
	}
	r.Content = string(content)

	return r
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", i.UserID),
		slog.String("interaction_id", i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("guild_id", i.GuildID),
		slog.String("type", i.Type),
		slog.String("command_context", i.CommandContext),
	)
}

type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ns = ""
	case string:
		*ns = NullableString(v)
	case []byte:
		*ns = NullableString(v)
	default:
		return errors.New("failed to cast to string")
	}
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}

func nullableError(err error) NullableString {
	if err == nil {
		return ""
	}
	return NullableString(err.Error())
}
