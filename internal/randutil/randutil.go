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

// Package randutil supplies seeds for the sketches' randomized compaction.
package randutil

import (
	crand "crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/twmb/murmur3"
)

var (
	processSeedOnce sync.Once
	processSeed     uint64
)

// ProcessSeed returns a seed fixed for the lifetime of the process, derived
// from OS entropy mixed through murmur3. Falls back to the clock if the
// entropy source fails.
func ProcessSeed() uint64 {
	processSeedOnce.Do(func() {
		var b [16]byte
		if _, err := crand.Read(b[:]); err != nil {
			binary.LittleEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
		}
		processSeed = murmur3.SeedSum64(uint64(time.Now().UnixNano()), b[:])
	})
	return processSeed
}

// Resolve picks the seed for a sketch: the fixed debug seed when the query
// supplies one, the process seed otherwise.
func Resolve(fixed *uint32) uint64 {
	if fixed != nil {
		return uint64(*fixed)
	}
	return ProcessSeed()
}
