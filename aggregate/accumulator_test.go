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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/svm1/velox/internal/arena"
	"github.com/svm1/velox/kll"
)

var accTestSeed = uint32(12345)

func TestAccumulator_SmallWeightsInsertDirectly(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	g.appendWeighted(7, 100, ar, &accTestSeed)
	assert.Equal(t, uint64(100), g.sketch.TotalCount())
	assert.Empty(t, g.largeCountValues)
}

func TestAccumulator_LargeWeightsAreBuffered(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	g.appendWeighted(7, 600, ar, &accTestSeed)
	assert.Equal(t, uint64(0), g.sketch.TotalCount())
	assert.Len(t, g.largeCountValues, 1)

	g.flush(ar, &accTestSeed)
	assert.Empty(t, g.largeCountValues)
	assert.Equal(t, uint64(600), g.sketch.TotalCount())
	assert.True(t, g.sketch.Finished())
	assert.Equal(t, int64(7), g.sketch.EstimateQuantile(0.5))
}

func TestAccumulator_BufferFlushesAtCapacity(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	for i := 0; i < maxBufferSize; i++ {
		g.appendWeighted(int64(i), minCountToBuffer, ar, &accTestSeed)
	}
	assert.Empty(t, g.largeCountValues, "reaching the cap must flush")
	assert.Equal(t, uint64(maxBufferSize*minCountToBuffer), g.sketch.TotalCount())
}

func TestAccumulator_FlushIdempotent(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	for i := int64(0); i < 100; i++ {
		g.append(i)
	}
	g.appendWeighted(50, 1000, ar, &accTestSeed)
	g.flush(ar, &accTestSeed)
	fp := g.sketch.ToView().Fingerprint()
	g.flush(ar, &accTestSeed)
	assert.Equal(t, fp, g.sketch.ToView().Fingerprint())
}

func TestAccumulator_WeightedEquivalentToRepeatedInserts(t *testing.T) {
	ar := arena.New()
	weighted := newAccumulator[int64](ar, &accTestSeed)
	plain := newAccumulator[int64](ar, &accTestSeed)
	for _, w := range []int64{1, 2, 37, 511} {
		weighted.appendWeighted(w, w, ar, &accTestSeed)
		for i := int64(0); i < w; i++ {
			plain.append(w)
		}
	}
	weighted.flush(ar, &accTestSeed)
	plain.flush(ar, &accTestSeed)
	assert.Equal(t, plain.sketch.ToView().Fingerprint(), weighted.sketch.ToView().Fingerprint())
}

func TestAccumulator_CompactForSpillLeavesArenaAlone(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	for i := int64(0); i < 1000; i++ {
		g.append(i)
	}
	g.appendWeighted(500, 2000, ar, &accTestSeed)
	used := ar.Used()
	buffered := len(g.largeCountValues)

	c := g.compactForSpill(&accTestSeed)
	assert.Equal(t, used, ar.Used(), "spill must not touch the shared arena")
	assert.Len(t, g.largeCountValues, buffered, "spill must not drain the buffer")
	assert.True(t, c.Finished())
	assert.Equal(t, uint64(3000), c.TotalCount())
	v := c.ToView()
	assert.Equal(t, uint32(0), v.Levels[0])
	assert.Equal(t, len(v.Items), int(v.Levels[len(v.Levels)-1]))

	// the original keeps working and still owns the buffered values
	g.flush(ar, &accTestSeed)
	assert.Equal(t, uint64(3000), g.sketch.TotalCount())
}

func TestAccumulator_SetAccuracy(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	g.setAccuracy(0.01)
	assert.Equal(t, kll.KFromEpsilon(0.01), g.sketch.K())
	g.append(1)
	g.setAccuracy(0.01) // same accuracy stays a no-op once data arrived
}

func TestAccumulator_DestroyReturnsArenaBytes(t *testing.T) {
	ar := arena.New()
	g := newAccumulator[int64](ar, &accTestSeed)
	for i := int64(0); i < 5000; i++ {
		g.append(i)
	}
	g.appendWeighted(1, 600, ar, &accTestSeed)
	assert.Greater(t, ar.Used(), int64(0))
	g.destroy(ar)
	assert.Equal(t, int64(0), ar.Used())
}
