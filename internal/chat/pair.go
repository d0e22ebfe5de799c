package chat

// Pair is an unordered pair of user ids stored in canonical order
// (Lo <= Hi). Two conversations are the same iff their pairs are equal.
type Pair struct {
	Lo string
	Hi string
}

// OrderedPair normalizes {a, b} so that OrderedPair(a, b) == OrderedPair(b, a).
func OrderedPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{Lo: a, Hi: b}
}

// Key returns a string usable as a map key for the pair.
func (p Pair) Key() string {
	return p.Lo + "\x00" + p.Hi
}
