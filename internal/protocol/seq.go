package protocol

// SeqNewer reports whether sequence a is strictly newer than b under
// serial arithmetic: the uint32 space wraps, and a is newer when it is
// ahead of b by less than half the space. Equal values are not newer.
func SeqNewer(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

// SeqDistance returns how far ahead a is of b, modulo 2^32. The result
// is only meaningful when SeqNewer(a, b) holds.
func SeqDistance(a, b uint32) uint32 {
	return a - b
}
