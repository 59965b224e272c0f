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

// Package arena accounts the memory handed out to the per-group accumulators
// of one aggregation operator instance.
//
// An Arena is shared by every group of the operator and is not safe for
// concurrent use. Code that may run off the ingest thread (spilling,
// serialization) must allocate with a nil *Arena, which behaves as an
// untracked heap allocator.
package arena

import "unsafe"

// Arena tracks bytes currently allocated through it. Not safe for concurrent
// use.
type Arena struct {
	used int64
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

// Used reports the bytes currently accounted to the arena.
func (a *Arena) Used() int64 {
	if a == nil {
		return 0
	}
	return a.used
}

func (a *Arena) reserve(n int64) {
	if a != nil {
		a.used += n
	}
}

func (a *Arena) release(n int64) {
	if a == nil {
		return
	}
	a.used -= n
	if a.used < 0 {
		panic("arena: released more bytes than reserved")
	}
}

// MakeSlice returns a zeroed slice of n elements charged to a. A nil arena
// allocates from the heap without accounting.
func MakeSlice[T any](a *Arena, n int) []T {
	s := make([]T, n)
	a.reserve(int64(cap(s)) * sizeOf[T]())
	return s
}

// Append appends v to s, charging any capacity growth to a.
func Append[T any](a *Arena, s []T, v T) []T {
	oldCap := cap(s)
	s = append(s, v)
	if cap(s) != oldCap {
		a.reserve(int64(cap(s)-oldCap) * sizeOf[T]())
	}
	return s
}

// FreeSlice returns the capacity of s to the arena. s must not be used
// afterwards.
func FreeSlice[T any](a *Arena, s []T) {
	a.release(int64(cap(s)) * sizeOf[T]())
}

func sizeOf[T any]() int64 {
	var v T
	return int64(unsafe.Sizeof(v))
}
