package orchestrator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/user/meetbot/internal/types"
)

const (
	PlatformGoogleMeet = "google_meet"
	PlatformZoom       = "zoom"
	PlatformTeams      = "teams"
)

const maxBotNameLen = 64

var (
	nativeIDPatterns = map[string]*regexp.Regexp{
		PlatformGoogleMeet: regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`),
		PlatformZoom:       regexp.MustCompile(`^[0-9]{9,11}$`),
		PlatformTeams:      regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._%-]{0,255}$`),
	}
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)
)

// Platforms returns the supported platform names.
func Platforms() []string {
	return []string{PlatformGoogleMeet, PlatformZoom, PlatformTeams}
}

func validateRequest(req types.JoinRequest) error {
	pattern, ok := nativeIDPatterns[req.Platform]
	if !ok {
		return fmt.Errorf("%w: unsupported platform %q", types.ErrInvalidSpec, req.Platform)
	}
	if req.NativeMeetingID == "" {
		return fmt.Errorf("%w: native_meeting_id is required", types.ErrInvalidSpec)
	}
	if !pattern.MatchString(req.NativeMeetingID) {
		return fmt.Errorf("%w: malformed %s meeting id %q", types.ErrInvalidSpec, req.Platform, req.NativeMeetingID)
	}
	if !languagePattern.MatchString(req.Language) {
		return fmt.Errorf("%w: invalid language code %q", types.ErrInvalidSpec, req.Language)
	}
	if len([]rune(req.BotName)) > maxBotNameLen {
		return fmt.Errorf("%w: bot name longer than %d characters", types.ErrInvalidSpec, maxBotNameLen)
	}
	if strings.IndexFunc(req.BotName, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: bot name contains control characters", types.ErrInvalidSpec)
	}
	return nil
}

// MeetingURL builds the join URL a worker opens for the meeting.
func MeetingURL(platform, nativeID string) (string, error) {
	switch platform {
	case PlatformGoogleMeet:
		return "https://meet.google.com/" + nativeID, nil
	case PlatformZoom:
		return "https://zoom.us/j/" + nativeID, nil
	case PlatformTeams:
		return "https://teams.microsoft.com/l/meetup-join/" + url.PathEscape(nativeID), nil
	default:
		return "", fmt.Errorf("%w: unsupported platform %q", types.ErrInvalidSpec, platform)
	}
}
