package rankbot

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"net/http"
)

var (
	// ErrPermissionDenied is returned when the invoking member is neither
	// an administrator nor holds one of the authorized roles.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNicknameUpdateFailed is reported when Discord rejects a nickname
	// change. The store and rank list are still updated.
	ErrNicknameUpdateFailed = errors.New("nickname update failed")

	// ErrListUpdateFailed is reported when the rank list message couldn't
	// be created or edited.
	ErrListUpdateFailed = errors.New("rank list update failed")

	// ErrStoreWriteFailed aborts a command before any nickname or list change.
	ErrStoreWriteFailed = errors.New("rank store write failed")

	// ErrConfigMissing is fatal at startup.
	ErrConfigMissing = errors.New("required configuration missing")

	ErrInvalidRank = errors.New("invalid rank")
	ErrMemberBusy  = errors.New("member command queue is full")
)

// isRetryableDiscordError reports whether a failed Discord REST call is
// worth a second attempt. Client errors (403 missing permissions, 404
// unknown member, 50013 etc.) are final, while rate limits, server errors
// and transport errors are not.
func isRetryableDiscordError(err error) bool {
	if err == nil {
		return false
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Response == nil {
			return true
		}
		code := restErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	var rateLimitErr *discordgo.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}
	return !errors.Is(err, discordgo.ErrUnauthorized)
}

// isUnknownMessageError reports whether Discord says the referenced message
// no longer exists.
func isUnknownMessageError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// missingConfigError builds an ErrConfigMissing naming each absent setting.
func missingConfigError(names ...string) error {
	return fmt.Errorf("%w: %v", ErrConfigMissing, names)
}
