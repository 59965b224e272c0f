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

// Package common holds the element-type contracts shared by the sketch and
// aggregation packages.
package common

import "golang.org/x/exp/constraints"

// Numeric is the set of element types the quantile sketches operate on.
type Numeric interface {
	constraints.Integer | constraints.Float
}

// CompareFn reports whether a orders strictly before b.
type CompareFn[T any] func(a, b T) bool

// NumericLess is the total order used by the sketches. Integer types get
// their natural order. For floating types NaN orders after every non-NaN
// value and compares equal to itself, so minimum, maximum and quantile
// endpoints stay deterministic when NaN is present in the stream.
func NumericLess[T Numeric](a, b T) bool {
	if a != a { // a is NaN: nothing orders after it
		return false
	}
	if b != b { // b is NaN, a is not
		return true
	}
	return a < b
}
