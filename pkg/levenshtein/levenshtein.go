// Copyright (c) 2015, Arbo von Monkiewitsch All rights reserved.
// Use of this source code is governed by a BSD-style
// license.

// Package levenshtein calculates the Levenshtein edit distance between strings.
package levenshtein

// asciiLimit bounds the precomputed match table. Runes at or above it take
// the scan fallback inside the Myers path.
const asciiLimit = 256

// myersMaxLen is the longest first argument the bit-parallel path accepts:
// one position per bit of a machine word.
const myersMaxLen = 64

// Context holds the scratch buffers Distance reuses across calls, so
// comparing one step text against a whole baseline allocates nothing.
// The zero value is ready to use. Not safe for concurrent use.
type Context struct {
	intSlice []int
	peq      [asciiLimit]uint64
}

func (ctx *Context) getIntSlice(length int) []int {
	if cap(ctx.intSlice) < length {
		ctx.intSlice = make([]int, length)
	}

	return ctx.intSlice[:length]
}

// Distance calculates the Levenshtein distance between two strings which
// is defined as the minimum number of edits needed to transform one string
// into the other, with the allowable edit operations being insertion, deletion,
// or substitution of a single character.
// http://en.wikipedia.org/wiki/Levenshtein_distance
//
// Strings whose first argument fits in one machine word take Myers'
// bit-vector path; longer strings fall back to the classic dynamic
// program, which is optimized to use O(min(m,n)) space and is based on
// the optimized C version found here:
// http://en.wikibooks.org/wiki/Algorithm_implementation/Strings/Levenshtein_distance#C
func (ctx *Context) Distance(str1, str2 string) int {
	s1 := []rune(str1)
	s2 := []rune(str2)

	lenS1 := len(s1)
	lenS2 := len(s2)

	if lenS2 == 0 {
		return lenS1
	}

	if lenS1 == 0 {
		return lenS2
	}

	if lenS1 <= myersMaxLen {
		return ctx.distanceMyers64(s1, s2)
	}

	column := ctx.getIntSlice(lenS1 + 1)
	// Column[0] will be initialized at the start of the first loop before it
	// is read, unless lenS2 is zero, which we deal with above.
	for idx := 1; idx <= lenS1; idx++ {
		column[idx] = idx
	}

	for col := range lenS2 {
		s2Rune := s2[col]
		column[0] = col + 1
		lastdiag := col

		for row := range lenS1 {
			olddiag := column[row+1]

			cost := 0
			if s1[row] != s2Rune {
				cost = 1
			}

			column[row+1] = min(
				column[row+1]+1,
				column[row]+1,
				lastdiag+cost,
			)
			lastdiag = olddiag
		}
	}

	return column[lenS1]
}
