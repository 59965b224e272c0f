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

package common

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumericLess_Integers(t *testing.T) {
	assert.True(t, NumericLess[int64](1, 2))
	assert.False(t, NumericLess[int64](2, 1))
	assert.False(t, NumericLess[int64](1, 1))
	assert.True(t, NumericLess[int8](-128, 127))
}

func TestNumericLess_Floats(t *testing.T) {
	assert.True(t, NumericLess(1.0, 2.0))
	assert.False(t, NumericLess(2.0, 1.0))
	assert.True(t, NumericLess(math.Inf(-1), math.Inf(1)))
}

func TestNumericLess_NaN(t *testing.T) {
	nan := math.NaN()
	// NaN orders after everything, including +Inf
	assert.True(t, NumericLess(math.Inf(1), nan))
	assert.False(t, NumericLess(nan, math.Inf(1)))
	assert.False(t, NumericLess(nan, 0.0))
	assert.True(t, NumericLess(0.0, nan))
	// and compares equal to itself
	assert.False(t, NumericLess(nan, nan))

	nan32 := float32(math.NaN())
	assert.True(t, NumericLess(float32(1), nan32))
	assert.False(t, NumericLess(nan32, nan32))
}
