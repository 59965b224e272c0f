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

// Package kll implements a weight-aware streaming quantile sketch with lazy,
// randomized compaction and nearly optimal accuracy per retained item.
//
// Reference: https://arxiv.org/abs/1603.05346v2 Optimal Quantile Approximation
// in Streams.
//
// The default k of 200 yields a normalized rank error of about 1.4%.
// Each item stored at level i stands for 2^i items of the input stream. The
// exported level layout (see View) is the merge surface between distributed
// partial aggregations and must stay bit-stable.
package kll

import (
	"math"
	"math/bits"
	"slices"
	"sort"

	"pgregory.net/rand"

	"github.com/svm1/velox/common"
	"github.com/svm1/velox/internal/arena"
)

// Sketch is a compressed multiset of the items observed so far.
//
// Items live in a single backing array organized into levels: level i
// occupies items[levels[i]:levels[i+1]] and each of its items represents 2^i
// logical items. Free space sits below levels[0]; inserts fill it downward
// and compaction promotes halved levels upward. Levels above zero are always
// sorted ascending; level zero is sorted once Finish is called.
//
// A Sketch is not safe for concurrent use.
type Sketch[T common.Numeric] struct {
	k         uint32
	n         uint64
	minValue  T
	maxValue  T
	items     []T
	levels    []uint32
	numLevels uint8
	finished  bool

	arena *arena.Arena
	rng   *rand.Rand
}

// New returns an empty sketch. k is clamped to the admissible range. A nil
// arena allocates from the heap; the seed drives the randomized compaction.
func New[T common.Numeric](k uint32, a *arena.Arena, seed uint64) *Sketch[T] {
	k = normalizeK(k)
	levels := arena.MakeSlice[uint32](a, 2)
	levels[0], levels[1] = k, k
	return &Sketch[T]{
		k:         k,
		numLevels: 1,
		levels:    levels,
		items:     arena.MakeSlice[T](a, int(k)),
		arena:     a,
		rng:       rand.New(seed),
	}
}

// FromRepeatedValue builds a finished sketch equivalent to inserting value
// count times: bit i of count contributes one copy of value at level i.
func FromRepeatedValue[T common.Numeric](value T, count int64, k uint32, a *arena.Arena, seed uint64) *Sketch[T] {
	if count <= 0 {
		panic("kll: repeated value count must be positive")
	}
	numLevels := uint8(bits.Len64(uint64(count)))
	levels := arena.MakeSlice[uint32](a, int(numLevels)+1)
	pos := uint32(0)
	for i := uint8(0); i < numLevels; i++ {
		levels[i] = pos
		pos += uint32(count>>i) & 1
	}
	levels[numLevels] = pos
	items := arena.MakeSlice[T](a, int(pos))
	for i := range items {
		items[i] = value
	}
	return &Sketch[T]{
		k:         normalizeK(k),
		n:         uint64(count),
		minValue:  value,
		maxValue:  value,
		items:     items,
		levels:    levels,
		numLevels: numLevels,
		finished:  true,
		arena:     a,
		rng:       rand.New(seed),
	}
}

// TotalCount returns the logical number of items inserted so far.
func (s *Sketch[T]) TotalCount() uint64 {
	return s.n
}

// K returns the compaction parameter.
func (s *Sketch[T]) K() uint32 {
	return s.k
}

// NumRetained returns the number of items physically stored.
func (s *Sketch[T]) NumRetained() uint32 {
	return s.levels[s.numLevels] - s.levels[0]
}

// Finished reports whether level zero is sorted and the sketch admits
// quantile queries.
func (s *Sketch[T]) Finished() bool {
	return s.finished
}

// SetK changes the compaction parameter. The sketch must be empty unless k
// is unchanged.
func (s *Sketch[T]) SetK(k uint32) {
	k = normalizeK(k)
	if k == s.k {
		return
	}
	if s.n != 0 {
		panic("kll: cannot change k of a non-empty sketch")
	}
	arena.FreeSlice(s.arena, s.items)
	arena.FreeSlice(s.arena, s.levels)
	s.k = k
	s.levels = arena.MakeSlice[uint32](s.arena, 2)
	s.levels[0], s.levels[1] = k, k
	s.items = arena.MakeSlice[T](s.arena, int(k))
	s.numLevels = 1
	s.finished = false
}

// Insert adds one item to the sketch.
func (s *Sketch[T]) Insert(value T) {
	if s.n == 0 {
		s.minValue, s.maxValue = value, value
	} else {
		if common.NumericLess(value, s.minValue) {
			s.minValue = value
		}
		if common.NumericLess(s.maxValue, value) {
			s.maxValue = value
		}
	}
	for s.levels[0] == 0 {
		s.compressWhileInserting()
	}
	s.n++
	s.finished = false
	s.levels[0]--
	s.items[s.levels[0]] = value
}

// Finish sorts level zero, after which the sketch admits quantile queries.
// Idempotent; a later Insert clears the finished state.
func (s *Sketch[T]) Finish() {
	if s.finished {
		return
	}
	sortRun(s.items[s.levels[0]:s.levels[1]])
	s.finished = true
}

// Merge absorbs other into s. Both sketches must be finished.
func (s *Sketch[T]) Merge(other *Sketch[T]) {
	if other.n == 0 {
		return
	}
	if !other.finished {
		panic("kll: merge of an unfinished sketch")
	}
	s.MergeViews([]View[T]{other.ToView()})
}

// MergeViews absorbs any number of sketch views into s. The receiver must be
// finished (or empty) and every view must come from a finished sketch. The
// result does not depend on the order of the views.
func (s *Sketch[T]) MergeViews(views []View[T]) {
	if s.n > 0 && !s.finished {
		panic("kll: merge into an unfinished sketch")
	}

	finalN := s.n
	newK := s.k
	provisional := s.numLevels
	extraRetained := 0
	merged := false
	for i := range views {
		v := &views[i]
		if v.N == 0 {
			continue
		}
		v.check()
		if !merged && s.n == 0 {
			s.minValue, s.maxValue = v.MinValue, v.MaxValue
		} else {
			if common.NumericLess(v.MinValue, s.minValue) {
				s.minValue = v.MinValue
			}
			if common.NumericLess(s.maxValue, v.MaxValue) {
				s.maxValue = v.MaxValue
			}
		}
		merged = true
		finalN += v.N
		if v.K < newK {
			newK = v.K
		}
		if nl := uint8(len(v.Levels) - 1); nl > provisional {
			provisional = nl
		}
		extraRetained += len(v.Items)
	}
	if !merged {
		return
	}

	// Gather every level into one work buffer, k-way merging the sorted runs
	// contributed by the receiver and each view.
	workbuf := make([]T, int(s.NumRetained())+extraRetained)
	ub := ubOnNumLevels(finalN)
	if int(provisional)+1 > ub { // level structures can outgrow the mass bound
		ub = int(provisional) + 1
	}
	worklevels := make([]uint32, ub+2)
	outlevels := make([]uint32, ub+2)

	runs := make([][]T, 0, len(views)+1)
	for level := uint8(0); level < provisional; level++ {
		runs = runs[:0]
		if level < s.numLevels {
			runs = append(runs, s.items[s.levels[level]:s.levels[level+1]])
		}
		total := uint32(0)
		for i := range runs {
			total += uint32(len(runs[i]))
		}
		for i := range views {
			v := &views[i]
			if v.N == 0 || int(level) >= len(v.Levels)-1 {
				continue
			}
			run := v.Items[v.Levels[level]:v.Levels[level+1]]
			runs = append(runs, run)
			total += uint32(len(run))
		}
		mergeRuns(workbuf[worklevels[level]:worklevels[level]+total], runs)
		worklevels[level+1] = worklevels[level] + total
	}

	numLevels, target, cur := generalCompress(newK, provisional, workbuf, worklevels, workbuf, outlevels, true, s.rng)

	// Rebuild the backing array with the free space at the bottom.
	free := target - cur
	newItems := arena.MakeSlice[T](s.arena, int(target))
	copy(newItems[free:], workbuf[outlevels[0]:outlevels[0]+cur])
	newLevels := arena.MakeSlice[uint32](s.arena, int(numLevels)+1)
	for i := uint8(0); i <= numLevels; i++ {
		newLevels[i] = outlevels[i] + free
	}
	arena.FreeSlice(s.arena, s.items)
	arena.FreeSlice(s.arena, s.levels)
	s.items = newItems
	s.levels = newLevels
	s.numLevels = numLevels
	s.k = newK
	s.n = finalN
	s.finished = true
}

// EstimateQuantile returns the value at normalized rank p. The sketch must be
// finished and non-empty.
func (s *Sketch[T]) EstimateQuantile(p float64) T {
	var out [1]T
	s.EstimateQuantiles([]float64{p}, out[:])
	return out[0]
}

// EstimateQuantiles fills out[i] with the value at normalized rank ps[i] for
// every i, sharing one sort and scan across all ranks. ps need not be sorted;
// results follow input order. Each answer is the smallest stored value whose
// cumulative weight reaches ceil(p*n); rank 0 maps to the minimum and rank 1
// to the maximum.
func (s *Sketch[T]) EstimateQuantiles(ps []float64, out []T) {
	if !s.finished {
		panic("kll: quantile query on an unfinished sketch")
	}
	if s.n == 0 {
		panic("kll: quantile query on an empty sketch")
	}
	type entry struct {
		value  T
		weight uint64
	}
	entries := make([]entry, 0, s.NumRetained())
	for level := uint8(0); level < s.numLevels; level++ {
		weight := uint64(1) << level
		for i := s.levels[level]; i < s.levels[level+1]; i++ {
			entries = append(entries, entry{s.items[i], weight})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return compareNumeric(a.value, b.value)
	})
	cumWeights := make([]uint64, len(entries))
	total := uint64(0)
	for i := range entries {
		total += entries[i].weight
		cumWeights[i] = total
	}

	for i, p := range ps {
		if p < 0 || p > 1 {
			panic("kll: quantile rank out of range")
		}
		if p == 0 {
			out[i] = s.minValue
			continue
		}
		if p == 1 {
			out[i] = s.maxValue
			continue
		}
		target := uint64(math.Ceil(p * float64(s.n)))
		idx := sort.Search(len(entries), func(j int) bool {
			return cumWeights[j] >= target
		})
		if idx == len(entries) {
			idx = len(entries) - 1
		}
		out[i] = entries[idx].value
	}
}

// Compact shrinks the backing buffers to exactly fit the level structure,
// establishing the canonical layout with levels[0] == 0. Call before
// serializing.
func (s *Sketch[T]) Compact() {
	retained := s.NumRetained()
	if s.levels[0] == 0 && uint32(len(s.items)) == retained && len(s.levels) == int(s.numLevels)+1 {
		return
	}
	items := arena.MakeSlice[T](s.arena, int(retained))
	copy(items, s.items[s.levels[0]:s.levels[s.numLevels]])
	levels := arena.MakeSlice[uint32](s.arena, int(s.numLevels)+1)
	base := s.levels[0]
	for i := uint8(0); i <= s.numLevels; i++ {
		levels[i] = s.levels[i] - base
	}
	arena.FreeSlice(s.arena, s.items)
	arena.FreeSlice(s.arena, s.levels)
	s.items = items
	s.levels = levels
}

// Release returns the sketch's buffers to its arena. The sketch must not be
// used afterwards.
func (s *Sketch[T]) Release() {
	arena.FreeSlice(s.arena, s.items)
	arena.FreeSlice(s.arena, s.levels)
	s.items, s.levels = nil, nil
}

// compressWhileInserting restores all level capacities, growing the level
// structure when the top level itself is full. At least one slot of free
// space exists on return.
func (s *Sketch[T]) compressWhileInserting() {
	level, full := findLevelToCompact(s.k, s.numLevels, s.levels)
	if !full {
		// No level reached capacity yet the array is exactly full (a sketch
		// rebuilt from a compacted view). Adding a level also adds free space.
		s.addEmptyTopLevel()
		return
	}
	if level == s.numLevels-1 {
		s.addEmptyTopLevel()
	}

	rawBeg := s.levels[level]
	rawEnd := s.levels[level+1]
	popAbove := s.levels[level+2] - rawEnd
	rawPop := rawEnd - rawBeg
	oddPop := rawPop%2 == 1
	adjBeg := rawBeg
	adjPop := rawPop
	if oddPop {
		adjBeg++
		adjPop--
	}
	halfAdjPop := adjPop / 2

	if level == 0 { // level zero is unsorted until compacted
		sortRun(s.items[adjBeg : adjBeg+adjPop])
	}
	if popAbove == 0 {
		randomlyHalveUp(s.items, adjBeg, adjPop, s.rng)
	} else {
		randomlyHalveDown(s.items, adjBeg, adjPop, s.rng)
		mergeSortedRuns(
			s.items, adjBeg, halfAdjPop,
			s.items, rawEnd, popAbove,
			s.items, adjBeg+halfAdjPop)
	}
	s.levels[level+1] = rawEnd - halfAdjPop // the level above grew downward

	if oddPop {
		s.levels[level] = s.levels[level+1] - 1 // one leftover item stays behind
		s.items[s.levels[level]] = s.items[rawBeg]
	} else {
		s.levels[level] = s.levels[level+1]
	}

	if level > 0 {
		// Shift everything below the compacted level up into the reclaimed
		// space, starting from the end to keep the move safe.
		amount := rawBeg - s.levels[0]
		for i := amount; i > 0; i-- {
			s.items[s.levels[0]+halfAdjPop+i-1] = s.items[s.levels[0]+i-1]
		}
	}
	for lvl := uint8(0); lvl < level; lvl++ {
		s.levels[lvl] += halfAdjPop
	}
}

// addEmptyTopLevel grows the level structure by one, shifting all stored
// items up to open a fresh bottom allotment of free space.
func (s *Sketch[T]) addEmptyTopLevel() {
	curCap := s.levels[s.numLevels]
	delta := levelCapacity(s.k, s.numLevels+1, 0)
	newCap := curCap + delta

	if len(s.levels) < int(s.numLevels)+2 {
		grown := arena.MakeSlice[uint32](s.arena, int(s.numLevels)+2)
		copy(grown, s.levels[:s.numLevels+1])
		arena.FreeSlice(s.arena, s.levels)
		s.levels = grown
	}
	for level := uint8(0); level <= s.numLevels; level++ {
		s.levels[level] += delta
	}
	s.numLevels++
	s.levels[s.numLevels] = newCap

	newItems := arena.MakeSlice[T](s.arena, int(newCap))
	copy(newItems[delta:], s.items[:curCap])
	arena.FreeSlice(s.arena, s.items)
	s.items = newItems
}

// generalCompress compacts every over-full level of the buffer in one bottom-up
// pass, possibly adding levels. inBuf and outBuf may alias; inLevels must have
// two slots of headroom past the current top. Returns the new level count, the
// total capacity for it and the surviving item count.
func generalCompress[T common.Numeric](
	k uint32,
	numLevelsIn uint8,
	inBuf []T,
	inLevels []uint32,
	outBuf []T,
	outLevels []uint32,
	levelZeroSorted bool,
	rng *rand.Rand,
) (numLevels uint8, targetItemCount, currentItemCount uint32) {
	numLevels = numLevelsIn
	currentItemCount = inLevels[numLevels] - inLevels[0]
	targetItemCount = computeTotalCapacity(k, numLevels)
	outLevels[0] = 0
	curLevel := -1
	for {
		curLevel++

		// At the current top level, add an empty level above for convenience.
		if curLevel == int(numLevels)-1 {
			inLevels[curLevel+2] = inLevels[curLevel+1]
		}

		rawBeg := inLevels[curLevel]
		rawLim := inLevels[curLevel+1]
		rawPop := rawLim - rawBeg

		if currentItemCount < targetItemCount || rawPop < levelCapacity(k, numLevels, uint8(curLevel)) {
			copy(outBuf[outLevels[curLevel]:], inBuf[rawBeg:rawLim])
			outLevels[curLevel+1] = outLevels[curLevel] + rawPop
		} else {
			// The buffer is too full and so is this level: compact it. This
			// can add a level and thus change the total capacity.
			popAbove := inLevels[curLevel+2] - rawLim
			oddPop := rawPop%2 == 1
			adjBeg := rawBeg
			adjPop := rawPop
			if oddPop {
				adjBeg++
				adjPop--
			}
			halfAdjPop := adjPop / 2

			if oddPop {
				outBuf[outLevels[curLevel]] = inBuf[rawBeg]
				outLevels[curLevel+1] = outLevels[curLevel] + 1
			} else {
				outLevels[curLevel+1] = outLevels[curLevel]
			}

			if curLevel == 0 && !levelZeroSorted {
				sortRun(inBuf[adjBeg : adjBeg+adjPop])
			}

			if popAbove == 0 {
				randomlyHalveUp(inBuf, adjBeg, adjPop, rng)
			} else {
				randomlyHalveDown(inBuf, adjBeg, adjPop, rng)
				mergeSortedRuns(
					inBuf, adjBeg, halfAdjPop,
					inBuf, rawLim, popAbove,
					inBuf, adjBeg+halfAdjPop)
			}

			currentItemCount -= halfAdjPop
			inLevels[curLevel+1] = rawLim - halfAdjPop

			if curLevel == int(numLevels)-1 {
				numLevels++
				targetItemCount += levelCapacity(k, numLevels, 0)
			}
		}

		if curLevel == int(numLevels)-1 {
			return numLevels, targetItemCount, currentItemCount
		}
	}
}
