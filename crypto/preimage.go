package crypto

import "github.com/scpchain/scpd/wire"

// PreimageChain is a validator's private hash chain: s0 is a random
// scalar's hash, h1 = H(s0), h_{i+1} = H(h_i), for i in
// [1, length-1]. The published enrollment random_seed equals
// h_length. At height k within the cycle the validator reveals
// h_{length-k}.
type PreimageChain struct {
	elements []wire.Hash // elements[0] = h1, elements[length-1] = h_length = random_seed
}

// NewPreimageChain draws a fresh random seed and derives the full chain
// of the given length (cycle_length in §3, fixed at 1008 by the caller).
func NewPreimageChain(length int) (*PreimageChain, error) {
	seed, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	b := seed.Bytes()
	h0 := wire.Sum(wire.DomainPreimage, b[:])

	elements := make([]wire.Hash, length)
	prev := h0
	for i := 0; i < length; i++ {
		next := wire.Chain(prev)
		elements[i] = next
		prev = next
	}
	return &PreimageChain{elements: elements}, nil
}

// RestorePreimageChain rebuilds a PreimageChain from its persisted
// elements (§4.1 invariant (c): pre-images must never be lost across
// restarts).
func RestorePreimageChain(elements []wire.Hash) *PreimageChain {
	cp := make([]wire.Hash, len(elements))
	copy(cp, elements)
	return &PreimageChain{elements: cp}
}

// Length returns the chain's cycle length.
func (c *PreimageChain) Length() int { return len(c.elements) }

// RandomSeed returns h_length, the terminal element published in the
// Enrollment record.
func (c *PreimageChain) RandomSeed() wire.Hash {
	return c.elements[len(c.elements)-1]
}

// RevealAt returns the pre-image to reveal at height k within the
// cycle (1-indexed: k=1 reveals h_{length-1}, ..., k=length-1 reveals
// h1). h0 is not stored, so k=length, like any k outside
// [1, length-1], returns false.
func (c *PreimageChain) RevealAt(k int) (wire.Hash, bool) {
	idx := len(c.elements) - 1 - k
	if idx < 0 || idx >= len(c.elements) {
		return wire.Hash{}, false
	}
	return c.elements[idx], true
}

// Elements returns the full backing slice, for persistence.
func (c *PreimageChain) Elements() []wire.Hash {
	return c.elements
}

// VerifyReveal checks that H(revealed) == previouslyRevealed, the
// per-step pre-image chain validity check (§8 invariant).
func VerifyReveal(revealed, previouslyRevealed wire.Hash) bool {
	return wire.Chain(revealed) == previouslyRevealed
}

// VerifyChainsBackTo checks that repeatedly hashing revealed
// stepsRemaining times reaches randomSeed, used when a validator's
// reveal is observed for the first time with no prior reveal on record.
func VerifyChainsBackTo(revealed wire.Hash, stepsRemaining int, randomSeed wire.Hash) bool {
	cur := revealed
	for i := 0; i < stepsRemaining; i++ {
		cur = wire.Chain(cur)
	}
	return cur == randomSeed
}
