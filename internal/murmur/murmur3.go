// Package murmur implements the MurmurHash3 x86_32 variant used by the
// reference timer service to pick a deterministic first replica for a
// timer id. It is not a general-purpose hash package: the only caller is
// internal/timer's replica derivation, and it must match the reference
// algorithm byte-for-byte for replica placement to be reproducible across
// nodes and languages.
package murmur

const (
	c1 uint32 = 0xcc9e2d51
	c2 uint32 = 0x1b873593
)

// Sum32 computes the 32-bit MurmurHash3 (x86_32 variant, seed 0) of data.
func Sum32(data []byte) uint32 {
	return Sum32WithSeed(data, 0)
}

// Sum32WithSeed computes the 32-bit MurmurHash3 (x86_32 variant) of data
// with an explicit seed.
func Sum32WithSeed(data []byte, seed uint32) uint32 {
	h1 := seed
	length := len(data)
	nblocks := length / 4

	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2

		h1 ^= k1
		h1 = rotl32(h1, 13)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 = fmix32(h1)

	return h1
}

func rotl32(x uint32, r int) uint32 {
	return (x << r) | (x >> (32 - r))
}

func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
