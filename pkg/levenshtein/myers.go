package levenshtein

// distanceMyers64 computes the distance with Myers' bit-parallel algorithm,
// tracking the whole first string in one machine word. See Hyyrö (2001),
// "Explaining and extending the bit-parallel approximate string matching
// algorithm of Myers". Callers guarantee 1 <= len(s1) <= myersMaxLen.
func (ctx *Context) distanceMyers64(s1, s2 []rune) int {
	// peq[r] has bit i set when s1[i] == r. The table arrives all-zero
	// and must leave all-zero; only the entries s1 touches are cleared
	// below, so short step texts never pay for the full table.
	for i, r := range s1 {
		if r < asciiLimit {
			ctx.peq[r] |= 1 << i
		}
	}

	// vp and vn carry the +1/-1 vertical deltas of the DP column. The
	// score starts at len(s1), the distance of s1 against an empty s2,
	// and the top bit of each horizontal delta adjusts it per rune of s2.
	vp := ^uint64(0)
	vn := uint64(0)
	score := len(s1)
	mask := uint64(1) << (len(s1) - 1)

	for _, r := range s2 {
		pm := ctx.matchVector(s1, r)

		x := pm | vn
		d0 := ((vp + (x & vp)) ^ vp) | x
		hn := vp & d0
		hp := vn | ^(d0 | vp)

		x = (hp << 1) | 1
		vn = x & d0
		vp = (hn << 1) | ^(x | d0)

		if hp&mask != 0 {
			score++
		}

		if hn&mask != 0 {
			score--
		}
	}

	// Restore the all-zero invariant for the next call.
	for _, r := range s1 {
		if r < asciiLimit {
			ctx.peq[r] = 0
		}
	}

	return score
}

// matchVector returns the bit-vector of positions where s1 matches r.
// ASCII runes read the precomputed table; anything else scans s1.
func (ctx *Context) matchVector(s1 []rune, r rune) uint64 {
	if r < asciiLimit {
		return ctx.peq[r]
	}

	var pm uint64

	for i, c := range s1 {
		if c == r {
			pm |= 1 << i
		}
	}

	return pm
}
