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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestView_RoundTrip(t *testing.T) {
	s := New[int64](64, nil, testSeed)
	for i := int64(0); i < 3000; i++ {
		s.Insert(i)
	}
	s.Finish()
	v := s.ToView()
	copied := FromView(v, nil, testSeed)
	assert.False(t, copied.Finished())
	assert.Equal(t, v.Fingerprint(), copied.ToView().Fingerprint())
	assert.Equal(t, s.TotalCount(), copied.TotalCount())

	copied.Finish()
	assert.Equal(t, s.EstimateQuantile(0.5), copied.EstimateQuantile(0.5))
}

func TestView_FromViewEmpty(t *testing.T) {
	s := New[int64](64, nil, testSeed)
	copied := FromView(s.ToView(), nil, testSeed)
	assert.Equal(t, uint64(0), copied.TotalCount())
	assert.Equal(t, uint32(64), copied.K())
	copied.Insert(1)
	assert.Equal(t, uint64(1), copied.TotalCount())
}

func TestView_MalformedPanics(t *testing.T) {
	assert.Panics(t, func() {
		FromView(View[int64]{K: 200, N: 5, Items: []int64{1, 2}, Levels: []uint32{0, 3}}, nil, testSeed)
	})
	assert.Panics(t, func() {
		FromView(View[int64]{K: 200, N: 5, Items: []int64{1, 2}, Levels: []uint32{1, 2}}, nil, testSeed)
	})
	s := New[int64](200, nil, testSeed)
	s.Finish()
	assert.Panics(t, func() {
		s.MergeViews([]View[int64]{{K: 200, N: 1, Levels: []uint32{0}}})
	})
}

func TestView_CanonicalLayout(t *testing.T) {
	s := New[int64](64, nil, testSeed)
	for i := int64(0); i < 500; i++ {
		s.Insert(i)
	}
	s.Finish()
	v := s.ToView()
	assert.Equal(t, uint32(0), v.Levels[0])
	assert.Equal(t, len(v.Items), int(v.Levels[len(v.Levels)-1]))
	for i := 0; i+1 < len(v.Levels); i++ {
		assert.LessOrEqual(t, v.Levels[i], v.Levels[i+1])
	}
}

func TestView_FingerprintDistinguishes(t *testing.T) {
	a := New[int64](64, nil, testSeed)
	b := New[int64](64, nil, testSeed)
	for i := int64(0); i < 100; i++ {
		a.Insert(i)
		b.Insert(i)
	}
	b.Insert(100)
	a.Finish()
	b.Finish()
	assert.NotEqual(t, a.ToView().Fingerprint(), b.ToView().Fingerprint())
}

func TestView_FloatBitPatterns(t *testing.T) {
	a := New[float64](64, nil, testSeed)
	a.Insert(1.5)
	a.Finish()
	b := New[float64](64, nil, testSeed)
	b.Insert(1.5)
	b.Finish()
	assert.Equal(t, a.ToView().Fingerprint(), b.ToView().Fingerprint())
}
