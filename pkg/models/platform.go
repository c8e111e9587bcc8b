package models

import (
	"fmt"
	"regexp"
)

// Platform identifies the conferencing product a bot joins.
type Platform string

// Supported platforms.
const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
	PlatformZoom       Platform = "zoom"
)

// Native meeting id formats, per platform.
var (
	googleMeetIDPattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
	teamsIDPattern      = regexp.MustCompile(`^\d{10,15}$`)
	teamsPasscodePattern = regexp.MustCompile(`^[A-Za-z0-9]{8,20}$`)
	zoomIDPattern       = regexp.MustCompile(`^\d+$`)
)

// ParsePlatform validates a platform string from an HTTP path or request body.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformGoogleMeet, PlatformTeams, PlatformZoom:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ValidateNativeID checks the platform-specific format of a native meeting id.
// The passcode is only meaningful for Teams and Zoom and may be empty.
func (p Platform) ValidateNativeID(nativeID, passcode string) error {
	switch p {
	case PlatformGoogleMeet:
		if !googleMeetIDPattern.MatchString(nativeID) {
			return fmt.Errorf("google_meet id must match xxx-yyyy-zzz, got %q", nativeID)
		}
	case PlatformTeams:
		if !teamsIDPattern.MatchString(nativeID) {
			return fmt.Errorf("teams id must be 10-15 digits, got %q", nativeID)
		}
		if passcode != "" && !teamsPasscodePattern.MatchString(passcode) {
			return fmt.Errorf("teams passcode must be 8-20 alphanumeric characters")
		}
	case PlatformZoom:
		if !zoomIDPattern.MatchString(nativeID) {
			return fmt.Errorf("zoom id must be numeric, got %q", nativeID)
		}
	default:
		return fmt.Errorf("unknown platform %q", string(p))
	}
	return nil
}

// MeetingURL constructs the join URL the worker navigates to.
func (p Platform) MeetingURL(nativeID, passcode string) (string, error) {
	switch p {
	case PlatformGoogleMeet:
		return "https://meet.google.com/" + nativeID, nil
	case PlatformTeams:
		url := "https://teams.live.com/meet/" + nativeID
		if passcode != "" {
			url += "?p=" + passcode
		}
		return url, nil
	case PlatformZoom:
		url := "https://zoom.us/j/" + nativeID
		if passcode != "" {
			url += "?pwd=" + passcode
		}
		return url, nil
	}
	return "", fmt.Errorf("unknown platform %q", string(p))
}
