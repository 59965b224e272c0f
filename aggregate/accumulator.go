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

package aggregate

import (
	"github.com/svm1/velox/common"
	"github.com/svm1/velox/internal/arena"
	"github.com/svm1/velox/internal/randutil"
	"github.com/svm1/velox/kll"
)

const (
	// Weights below this insert directly; this weight or more is buffered and
	// later folded in as a repeated-value sub-sketch.
	minCountToBuffer = 512

	// maxBufferSize bounds the buffered (value, count) pairs per group.
	maxBufferSize = 4096

	maxWeight = int64(1)<<60 - 1
)

type weightedValue[T common.Numeric] struct {
	value T
	count int64
}

// accumulator is the per-group state: one sketch plus the buffer of
// large-count values not yet folded into it.
type accumulator[T common.Numeric] struct {
	sketch           *kll.Sketch[T]
	largeCountValues []weightedValue[T]
}

func newAccumulator[T common.Numeric](a *arena.Arena, fixedSeed *uint32) *accumulator[T] {
	return &accumulator[T]{
		sketch: kll.New[T](kll.DefaultK, a, randutil.Resolve(fixedSeed)),
	}
}

func (g *accumulator[T]) setAccuracy(accuracy float64) {
	g.sketch.SetK(kll.KFromEpsilon(accuracy))
}

func (g *accumulator[T]) append(value T) {
	g.sketch.Insert(value)
}

func (g *accumulator[T]) appendWeighted(value T, count int64, a *arena.Arena, fixedSeed *uint32) {
	if count < minCountToBuffer {
		for i := int64(0); i < count; i++ {
			g.sketch.Insert(value)
		}
		return
	}
	g.largeCountValues = arena.Append(a, g.largeCountValues, weightedValue[T]{value, count})
	if len(g.largeCountValues) >= maxBufferSize {
		g.flush(a, fixedSeed)
	}
}

func (g *accumulator[T]) appendView(v kll.View[T]) {
	g.sketch.MergeViews([]kll.View[T]{v})
}

func (g *accumulator[T]) appendViews(views []kll.View[T]) {
	g.sketch.MergeViews(views)
}

// flush drains the buffer into the sketch and finishes it. Required before
// the sketch serves quantile queries.
func (g *accumulator[T]) flush(a *arena.Arena, fixedSeed *uint32) {
	if len(g.largeCountValues) > 0 {
		g.sketch.Finish()
		g.mergeBufferInto(g.sketch, a, fixedSeed)
		g.largeCountValues = g.largeCountValues[:0]
	}
	g.sketch.Finish()
}

// compactForSpill deep-copies the sketch onto the heap, folds the buffered
// values into the copy and compacts it. Spilling may run concurrently with
// ingestion into other groups and the shared arena is not thread-safe, so
// nothing here may allocate from or mutate arena-backed state.
func (g *accumulator[T]) compactForSpill(fixedSeed *uint32) *kll.Sketch[T] {
	c := kll.FromView(g.sketch.ToView(), nil, randutil.Resolve(fixedSeed))
	c.Finish()
	g.mergeBufferInto(c, nil, fixedSeed)
	c.Compact()
	return c
}

func (g *accumulator[T]) mergeBufferInto(s *kll.Sketch[T], a *arena.Arena, fixedSeed *uint32) {
	if len(g.largeCountValues) == 0 {
		return
	}
	subs := make([]*kll.Sketch[T], 0, len(g.largeCountValues))
	views := make([]kll.View[T], 0, len(g.largeCountValues))
	for _, wv := range g.largeCountValues {
		sub := kll.FromRepeatedValue(wv.value, wv.count, g.sketch.K(), a, randutil.Resolve(fixedSeed))
		subs = append(subs, sub)
		views = append(views, sub.ToView())
	}
	s.MergeViews(views)
	for _, sub := range subs {
		sub.Release()
	}
}

func (g *accumulator[T]) destroy(a *arena.Arena) {
	g.sketch.Release()
	arena.FreeSlice(a, g.largeCountValues)
	g.largeCountValues = nil
}
