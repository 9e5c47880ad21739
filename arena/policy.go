package arena

// NextAllocSize implements the adaptive sizing policy from spec.md §4.1 and
// §9 ("expressed as a policy object taking (rate, current_size) ->
// new_size with the 2x/half hysteresis band"), factored out as a pure
// function so it can be driven directly by tests with synthetic rates.
//
// If rate >= 2*current, the size doubles, capped at rate. If rate <=
// current/2, the size halves. Otherwise the size is unchanged. The second
// return value reports whether the size changed, since a changed size
// invalidates the arena's free list.
func NextAllocSize(rate, current uint64) (next uint64, changed bool) {
	if current == 0 {
		return current, false
	}
	switch {
	case rate >= 2*current:
		// rate is already at least double current, so doubling never
		// overshoots it and the cap below never lowers the result; a rate
		// many times current still only doubles the size.
		doubled := 2 * current
		if doubled > rate {
			doubled = rate
		}
		return doubled, true
	case rate <= current/2:
		halved := current / 2
		if halved == 0 {
			return current, false
		}
		return halved, true
	default:
		return current, false
	}
}
