package nudb

// bucketIndex implements the linear-hashing placement rule from spec.md
// §3: modulus is a power of two with modulus/2 <= buckets <= modulus.
// A key's natural slot under the current modulus is h mod modulus; if that
// slot hasn't been split yet this epoch (i.e. it is still >= buckets), the
// key instead belongs to the lower-half slot h mod (modulus/2), which has
// not yet been divided.
func bucketIndex(h, buckets, modulus uint64) uint64 {
	i := h % modulus
	if i < buckets {
		return i
	}
	return h % (modulus / 2)
}
