// Package domain contains entity without logic, just meta-data
package domain

import "strings"

// Profile is a named target output resolution.
type Profile string

const (
	ProfileNone Profile = ""
	ProfileFHD  Profile = "FHD"
	ProfileHD   Profile = "HD"
	ProfileD1   Profile = "D1"
	ProfileCIF  Profile = "CIF"
)

type Resolution struct {
	Width  int
	Height int
}

var resolutions = map[Profile]Resolution{
	ProfileFHD: {Width: 1920, Height: 1080},
	ProfileHD:  {Width: 1280, Height: 720},
	ProfileD1:  {Width: 720, Height: 480},
	ProfileCIF: {Width: 352, Height: 288},
}

// ParseProfile matches s case-insensitively against the known profiles.
// Unknown or empty input yields ProfileNone and false.
func ParseProfile(s string) (Profile, bool) {
	p := Profile(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := resolutions[p]; !ok {
		return ProfileNone, false
	}
	return p, true
}

// Resolution returns the frame size of a known profile.
func (p Profile) Resolution() (Resolution, bool) {
	r, ok := resolutions[p]
	return r, ok
}
