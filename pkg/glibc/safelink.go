package glibc

// Protect is PROTECT_PTR: ptr stored in the field at address field.
func Protect(ptr, field uint64, shift uint) uint64 {
	return ptr ^ (field >> shift)
}

// Reveal is REVEAL_PTR, the inverse of Protect for the same field address.
// Only tcache next links and fastbin fd links are protected.
func Reveal(stored, field uint64, shift uint) uint64 {
	return stored ^ (field >> shift)
}

func (l Layout) reveal(stored, field uint64) uint64 {
	return Reveal(stored, field, l.SafeLinkShift)
}
