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
	"fmt"
	"strconv"
)

const (
	// ConfigKeyFixedSeed forces deterministic seeding for every sketch of the
	// operator, including spill copies and repeated-value sub-sketches.
	ConfigKeyFixedSeed = "debug.agg.approxPercentile.fixedSeed"

	// ConfigKeyValidateIntermediateInputs enables full encoding and
	// nullability validation of intermediate input rows.
	ConfigKeyValidateIntermediateInputs = "debug.validateOutputFromOperators"
)

// Config carries the query-level settings the operator consumes.
type Config struct {
	FixedSeed                  *uint32
	ValidateIntermediateInputs bool
}

// ConfigFromMap reads the operator's keys out of a string-keyed session
// config, ignoring everything else.
func ConfigFromMap(m map[string]string) (Config, error) {
	var cfg Config
	if s, ok := m[ConfigKeyFixedSeed]; ok {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid value for %s: %q", ConfigKeyFixedSeed, s)
		}
		seed := uint32(v)
		cfg.FixedSeed = &seed
	}
	if s, ok := m[ConfigKeyValidateIntermediateInputs]; ok {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid value for %s: %q", ConfigKeyValidateIntermediateInputs, s)
		}
		cfg.ValidateIntermediateInputs = v
	}
	return cfg, nil
}
