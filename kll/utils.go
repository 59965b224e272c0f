/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package kll

import (
	"math"
	"math/bits"
	"slices"

	"pgregory.net/rand"

	"github.com/svm1/velox/common"
)

const (
	// DefaultK yields a normalized rank error of about 1.4%.
	DefaultK = uint32(200)

	// MinK is the smallest admissible k, equal to the minimum level capacity.
	MinK = uint32(8)

	maxK = uint32(1<<16) - 1

	minLevelCapacity = uint32(8)

	epsilonCoefficient = 1.65
	epsilonExponent    = 0.9
)

var powersOfThree = []uint64{1, 3, 9, 27, 81, 243, 729, 2187, 6561, 19683, 59049, 177147, 531441,
	1594323, 4782969, 14348907, 43046721, 129140163, 387420489, 1162261467,
	3486784401, 10460353203, 31381059609, 94143178827, 282429536481,
	847288609443, 2541865828329, 7625597484987, 22876792454961, 68630377364883,
	205891132094649}

// KFromEpsilon returns the smallest k whose normalized rank error does not
// exceed eps, inverting eps = 1.65 * k^-0.9.
func KFromEpsilon(eps float64) uint32 {
	k := math.Ceil(math.Pow(epsilonCoefficient/eps, 1/epsilonExponent))
	if !(k >= float64(MinK)) {
		return MinK
	}
	if k >= float64(maxK) {
		return maxK
	}
	return uint32(k)
}

// NormalizedRankError is the approximate rank error of a sketch with the
// given k, as a fraction of n.
func NormalizedRankError(k uint32) float64 {
	return epsilonCoefficient / math.Pow(float64(k), epsilonExponent)
}

func normalizeK(k uint32) uint32 {
	if k < MinK {
		return MinK
	}
	if k > maxK {
		return maxK
	}
	return k
}

// levelCapacity is the number of items level may hold before compaction,
// decaying geometrically with depth below the top level.
func levelCapacity(k uint32, numLevels, level uint8) uint32 {
	depth := numLevels - level - 1
	if c := intCapAux(k, depth); c > minLevelCapacity {
		return c
	}
	return minLevelCapacity
}

func intCapAux(k uint32, depth uint8) uint32 {
	if depth <= 30 {
		return intCapAuxAux(k, depth)
	}
	half := depth / 2
	rest := depth - half
	tmp := intCapAuxAux(k, half)
	return intCapAuxAux(tmp, rest)
}

func intCapAuxAux(k uint32, depth uint8) uint32 {
	pow := powersOfThree[depth]
	result := ((uint64(k) << depth) + pow - 1) / pow // k * (2/3)^depth, rounded up to an integer
	if result <= uint64(k) {
		return uint32(result)
	}
	return k
}

func computeTotalCapacity(k uint32, numLevels uint8) uint32 {
	total := uint32(0)
	for level := uint8(0); level < numLevels; level++ {
		total += levelCapacity(k, numLevels, level)
	}
	return total
}

// findLevelToCompact returns the lowest level whose population reached its
// capacity. The second result is false when no level is full.
func findLevelToCompact(k uint32, numLevels uint8, levels []uint32) (uint8, bool) {
	for level := uint8(0); level < numLevels; level++ {
		pop := levels[level+1] - levels[level]
		if pop >= levelCapacity(k, numLevels, level) {
			return level, true
		}
	}
	return 0, false
}

// ubOnNumLevels is an upper bound on the number of levels a sketch of n items
// can have.
func ubOnNumLevels(n uint64) int {
	if n == 0 {
		return 1
	}
	return bits.Len64(n)
}

func compareNumeric[T common.Numeric](a, b T) int {
	if common.NumericLess(a, b) {
		return -1
	}
	if common.NumericLess(b, a) {
		return 1
	}
	return 0
}

func sortRun[T common.Numeric](run []T) {
	slices.SortFunc(run, compareNumeric[T])
}

// randomlyHalveDown keeps every other item of buf[start:start+length],
// starting at a pseudorandom offset, packing survivors at the low end.
func randomlyHalveDown[T any](buf []T, start, length uint32, rng *rand.Rand) {
	half := length / 2
	if half == 0 {
		return
	}
	j := start + uint32(rng.Intn(2))
	for i := start; i < start+half; i++ {
		buf[i] = buf[j]
		j += 2
	}
}

// randomlyHalveUp is the mirror of randomlyHalveDown, packing survivors at
// the high end.
func randomlyHalveUp[T any](buf []T, start, length uint32, rng *rand.Rand) {
	half := length / 2
	if half == 0 {
		return
	}
	j := start + length - 1 - uint32(rng.Intn(2))
	for i := start + length - 1; i >= start+half; i-- {
		buf[i] = buf[j]
		j -= 2
	}
}

// mergeSortedRuns merges the sorted runs bufA[startA:startA+lenA] and
// bufB[startB:startB+lenB] into bufC at startC. The destination may overlap
// the second source as long as it starts at or before it.
func mergeSortedRuns[T common.Numeric](bufA []T, startA, lenA uint32,
	bufB []T, startB, lenB uint32,
	bufC []T, startC uint32) {
	limA := startA + lenA
	limB := startB + lenB
	limC := startC + lenA + lenB

	a := startA
	b := startB
	for c := startC; c < limC; c++ {
		switch {
		case a == limA:
			bufC[c] = bufB[b]
			b++
		case b == limB:
			bufC[c] = bufA[a]
			a++
		case common.NumericLess(bufA[a], bufB[b]):
			bufC[c] = bufA[a]
			a++
		default:
			bufC[c] = bufB[b]
			b++
		}
	}
}

// mergeRuns folds any number of sorted runs into dst, which must have room
// for their combined length.
func mergeRuns[T common.Numeric](dst []T, runs [][]T) {
	accLen := 0
	var scratch []T
	for _, run := range runs {
		if len(run) == 0 {
			continue
		}
		if accLen == 0 {
			copy(dst, run)
			accLen = len(run)
			continue
		}
		if scratch == nil {
			scratch = make([]T, len(dst))
		}
		mergeSortedRuns(dst, 0, uint32(accLen), run, 0, uint32(len(run)), scratch, 0)
		accLen += len(run)
		copy(dst, scratch[:accLen])
	}
}
