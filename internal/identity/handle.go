// Package identity generates the spec's "happy-fox-a3b"-style anonymous
// handles assigned to a user on first connect.
package identity

import (
	"fmt"
	"math/rand/v2"
)

var adjectives = []string{
	"happy", "brave", "quiet", "swift", "lucky", "clever", "gentle", "bold",
	"calm", "eager", "fuzzy", "jolly", "mellow", "nimble", "plucky", "sunny",
	"witty", "zesty", "breezy", "cosmic",
}

var nouns = []string{
	"fox", "otter", "wren", "lynx", "heron", "badger", "panda", "falcon",
	"marten", "gecko", "raven", "sparrow", "beetle", "cricket", "dolphin",
	"meerkat", "tapir", "walrus", "yak", "zebra",
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// New generates a random handle of the form "adjective-noun-xxx", e.g.
// "happy-fox-a3b". It is not guaranteed unique; callers that need a stable
// per-user handle rely on [Store.GetOrCreateUser]'s insert-once contract to
// fix it in place the first time it is persisted.
func New() string {
	adj := adjectives[rand.IntN(len(adjectives))]
	noun := nouns[rand.IntN(len(nouns))]
	suffix := make([]byte, 3)
	for i := range suffix {
		suffix[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return fmt.Sprintf("%s-%s-%s", adj, noun, suffix)
}
