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
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"pgregory.net/rand"

	"github.com/svm1/velox/common"
	"github.com/svm1/velox/internal/arena"
)

// View is a borrowed, read-only projection of a sketch's internals in the
// canonical layout: Levels[0] == 0, Levels[len-1] == len(Items), level i
// occupying Items[Levels[i]:Levels[i+1]]. Views are the unit of transport
// between distributed partial aggregations; the referenced slices must stay
// alive and unmodified for the lifetime of the view.
type View[T common.Numeric] struct {
	K        uint32
	N        uint64
	MinValue T
	MaxValue T
	Items    []T
	Levels   []uint32
}

// ToView snapshots the sketch without copying its items.
func (s *Sketch[T]) ToView() View[T] {
	base := s.levels[0]
	levels := make([]uint32, s.numLevels+1)
	for i := uint8(0); i <= s.numLevels; i++ {
		levels[i] = s.levels[i] - base
	}
	return View[T]{
		K:        s.k,
		N:        s.n,
		MinValue: s.minValue,
		MaxValue: s.maxValue,
		Items:    s.items[base:s.levels[s.numLevels]],
		Levels:   levels,
	}
}

// FromView copies a view into a fresh owned sketch. The result is not
// finished; call Finish before querying or merging into it.
func FromView[T common.Numeric](v View[T], a *arena.Arena, seed uint64) *Sketch[T] {
	if v.N == 0 {
		return New[T](v.K, a, seed)
	}
	v.check()
	items := arena.MakeSlice[T](a, len(v.Items))
	copy(items, v.Items)
	levels := arena.MakeSlice[uint32](a, len(v.Levels))
	copy(levels, v.Levels)
	return &Sketch[T]{
		k:         normalizeK(v.K),
		n:         v.N,
		minValue:  v.MinValue,
		maxValue:  v.MaxValue,
		items:     items,
		levels:    levels,
		numLevels: uint8(len(v.Levels) - 1),
		arena:     a,
		rng:       rand.New(seed),
	}
}

func (v *View[T]) check() {
	if len(v.Levels) < 2 || v.Levels[0] != 0 ||
		int(v.Levels[len(v.Levels)-1]) != len(v.Items) {
		panic("kll: malformed sketch view")
	}
}

// Fingerprint returns a 64-bit hash of the view's canonical encoding. Two
// views fingerprint equally iff they are bit-identical, which makes it the
// cheap oracle for determinism checks across merges and serialization.
func (v View[T]) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(x uint64) {
		binary.LittleEndian.PutUint64(buf[:], x)
		_, _ = d.Write(buf[:])
	}
	put(uint64(v.K))
	put(v.N)
	put(bitsOf(v.MinValue))
	put(bitsOf(v.MaxValue))
	put(uint64(len(v.Items)))
	for _, item := range v.Items {
		put(bitsOf(item))
	}
	put(uint64(len(v.Levels)))
	for _, l := range v.Levels {
		put(uint64(l))
	}
	return d.Sum64()
}

func bitsOf[T common.Numeric](v T) uint64 {
	switch x := any(v).(type) {
	case float32:
		return uint64(math.Float32bits(x))
	case float64:
		return math.Float64bits(x)
	case int8:
		return uint64(uint8(x))
	case int16:
		return uint64(uint16(x))
	case int32:
		return uint64(uint32(x))
	case int64:
		return uint64(x)
	case int:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case uint:
		return uint64(x)
	case uintptr:
		return uint64(x)
	default:
		panic("kll: unsupported element type")
	}
}
