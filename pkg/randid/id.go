// Package randid provides random identifier generation utilities.
package randid

import "math/rand/v2"

// Generate creates a random lowercase alphanumeric ID of the specified length.
func Generate(length int) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rand.IntN(len(chars))]
	}
	return string(b)
}

var nouns = []string{
	"otter", "falcon", "maple", "harbor", "comet", "badger", "cedar", "lantern",
	"meadow", "pebble", "raven", "summit", "tundra", "willow", "ember", "glacier",
	"heron", "juniper", "kestrel", "lagoon", "marble", "nebula", "orchid", "prairie",
}

var verbs = []string{
	"runs", "drifts", "hums", "wanders", "sparks", "climbs", "glows", "dives",
	"builds", "hops", "sings", "races", "rests", "spins", "waits", "roams",
}

// Name returns a readable two-word identifier, a noun followed by a verb,
// such as "otter-drifts".
func Name() string {
	return NameFrom(rand.IntN)
}

// NameFrom builds a name using pick to choose indexes.
func NameFrom(pick func(n int) int) string {
	return nouns[pick(len(nouns))] + "-" + verbs[pick(len(verbs))]
}
