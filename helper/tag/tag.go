// Package tag maps message type names and notification topics to stable 32-bit identifiers.
// Collisions are not detected; names are expected to be few and chosen by the developers.
package tag

import "github.com/spaolacci/murmur3"

// Seed is shared by every node. Changing it breaks compatibility with existing peers.
const Seed uint32 = 0x50425553

type Tag uint32

func Of(name string) Tag {
	return Tag(murmur3.Sum32WithSeed([]byte(name), Seed))
}
