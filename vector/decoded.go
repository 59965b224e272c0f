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

package vector

import "fmt"

// Decoded gives uniform per-row access to a scalar column regardless of its
// flat or constant encoding.
type Decoded[T any] struct {
	flat *Flat[T]
	con  *Constant[T]
}

// Decode resolves v into a Decoded accessor, failing on any other vector
// type.
func Decode[T any](v Any) (Decoded[T], error) {
	switch c := v.(type) {
	case *Flat[T]:
		return Decoded[T]{flat: c}, nil
	case *Constant[T]:
		return Decoded[T]{con: c}, nil
	default:
		return Decoded[T]{}, fmt.Errorf("cannot decode %s vector as %s", v.Kind(), kindFor[T]())
	}
}

// IsConstant reports whether the underlying encoding is constant.
func (d Decoded[T]) IsConstant() bool {
	return d.con != nil
}

// MayHaveNulls reports whether any row can be null without scanning.
func (d Decoded[T]) MayHaveNulls() bool {
	if d.con != nil {
		return d.con.IsNull()
	}
	return d.flat.MayHaveNulls()
}

func (d Decoded[T]) IsNullAt(row int) bool {
	if d.con != nil {
		return d.con.IsNull()
	}
	return d.flat.IsNullAt(row)
}

func (d Decoded[T]) ValueAt(row int) T {
	if d.con != nil {
		return d.con.Value()
	}
	return d.flat.ValueAt(row)
}
