package crypto

// SecureZero overwrites b with zeros. Call it on private keys, shared
// secrets and derived keys as soon as they are no longer needed.
//
// The garbage collector may have copied the slice before this runs, so
// zeroing narrows the window in which key material is readable but does
// not close it.
func SecureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureZeroMultiple zeros each of the given slices.
func SecureZeroMultiple(slices ...[]byte) {
	for _, b := range slices {
		SecureZero(b)
	}
}

// isZero reports whether b contains only zero bytes, in constant time
// with respect to the contents.
func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
