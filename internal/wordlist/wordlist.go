// Package wordlist draws human-readable words for call IDs and pleb names
// from the same fixed dictionary, mirroring how the original voice app
// generates both from one word list.
package wordlist

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Words is the fixed 36-word dictionary used for call-id suffixes and
// anonymous participant names.
var Words = []string{
	"apple", "banana", "cherry", "dog", "elephant", "forest",
	"galaxy", "hello", "island", "jungle", "kitten", "lemon",
	"mountain", "nebula", "ocean", "planet", "quantum", "rainbow",
	"sunset", "thunder", "universe", "volcano", "waterfall", "xylophone",
	"yellow", "zebra", "acoustic", "bicycle", "chocolate", "diamond",
	"emerald", "fountain", "guitar", "helicopter", "illusion", "jasmine",
}

// randIndex returns a cryptographically random index in [0, n).
func randIndex(n int) int {
	if n <= 0 {
		return 0
	}
	bi, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(bi.Int64())
}

// ThreeWords draws three distinct words without replacement, used to build
// a call ID alongside the hosting node's identifier.
func ThreeWords() [3]string {
	pool := append([]string(nil), Words...)
	var out [3]string
	for i := range out {
		idx := randIndex(len(pool))
		out[i] = pool[idx]
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

// CallID builds a call identifier of the form "<hostNode>-<w1>-<w2>-<w3>".
func CallID(hostNode string) string {
	w := ThreeWords()
	return fmt.Sprintf("%s-%s-%s-%s", hostNode, w[0], w[1], w[2])
}

// PlebName draws a single word and formats it as "pleb-<word>", retrying
// against used so no two anonymous joiners in the same call collide. The
// drawn name is recorded into used before it is returned, so the caller
// never needs to (and the no-replacement guarantee holds even if the
// caller never looks at the name again).
func PlebName(used map[string]bool) string {
	for {
		word := Words[randIndex(len(Words))]
		name := "pleb-" + word
		if !used[name] {
			used[name] = true
			return name
		}
	}
}

// Token returns an opaque random 64-bit hex identifier, used for anonymous
// participant IDs.
func Token() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%x", uint64(0))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return fmt.Sprintf("%x", v)
}
