// Package platform enumerates the external services whose user ids can be
// looked up.
package platform

const (
	Discord   = "discord"
	Facebook  = "facebook"
	GitHub    = "github"
	Twitch    = "twitch"
	Twitter   = "twitter"
	Minecraft = "minecraft"
)

var supported = map[string]struct{}{
	Discord:   {},
	Facebook:  {},
	GitHub:    {},
	Twitch:    {},
	Twitter:   {},
	Minecraft: {},
}

// Valid reports whether name identifies a supported platform.
func Valid(name string) bool {
	_, ok := supported[name]
	return ok
}

// All returns the supported platform names.
func All() []string {
	return []string{Discord, Facebook, GitHub, Twitch, Twitter, Minecraft}
}
