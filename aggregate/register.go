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
	"strings"

	"github.com/svm1/velox/vector"
)

// Name is the registered function name.
const Name = "approx_percentile"

// Step identifies which half of a split aggregation the operator serves.
type Step uint8

const (
	StepPartial Step = iota
	StepFinal
	StepIntermediate
	StepSingle
)

func (s Step) isRawInput() bool {
	return s == StepPartial || s == StepSingle
}

func (s Step) isPartialOutput() bool {
	return s == StepPartial || s == StepIntermediate
}

// AggregateFunc is the operator interface consumed by the execution runtime.
type AggregateFunc interface {
	NewGroups(groupIDs []int32)
	DestroyGroups(groupIDs []int32)
	AddRawInput(groups []int32, rows []int, args []vector.Any, mayPushdown bool) error
	AddSingleGroupRawInput(group int32, rows []int, args []vector.Any, mayPushdown bool) error
	AddIntermediateResults(groups []int32, rows []int, args []vector.Any) error
	AddSingleGroupIntermediateResults(group int32, rows []int, args []vector.Any) error
	ExtractValues(groups []int32) (vector.Any, error)
	ExtractAccumulators(groups []int32) (*vector.Row, error)
	AccumulatorFixedWidthSize() int
}

// Signature describes one registered overload in the engine's type notation.
type Signature struct {
	ReturnType       string
	IntermediateType string
	ArgumentTypes    []string
}

var inputTypes = []string{"tinyint", "smallint", "integer", "bigint", "real", "double"}

func intermediateTypeOf(inputType string) string {
	return fmt.Sprintf(
		"row(array(double), boolean, double, integer, bigint, %[1]s, %[1]s, array(%[1]s), array(integer))",
		inputType)
}

// Signatures enumerates every overload: six input types crossed with scalar
// and array percentiles and the optional weight and accuracy arguments.
func Signatures() []Signature {
	var signatures []Signature
	for _, t := range inputTypes {
		signatures = addSignatures(t, "double", t, signatures)
		signatures = addSignatures(t, "array(double)", "array("+t+")", signatures)
	}
	return signatures
}

func addSignatures(inputType, percentileType, returnType string, signatures []Signature) []Signature {
	intermediateType := intermediateTypeOf(inputType)
	return append(signatures,
		Signature{returnType, intermediateType, []string{inputType, percentileType}},
		Signature{returnType, intermediateType, []string{inputType, "bigint", percentileType}},
		Signature{returnType, intermediateType, []string{inputType, percentileType, "double"}},
		Signature{returnType, intermediateType, []string{inputType, "bigint", percentileType, "double"}},
	)
}

// New builds the operator for one aggregation step, deriving the element
// type and the (hasWeight, hasAccuracy) tuple from the declared types.
func New(step Step, argTypes []string, resultType string, cfg Config) (AggregateFunc, error) {
	isRaw := step.isRawInput()
	hasWeight := len(argTypes) >= 2 && argTypes[1] == "bigint"
	expectedArgs := 3
	if hasWeight {
		expectedArgs = 4
	}
	hasAccuracy := len(argTypes) == expectedArgs

	if isRaw {
		want := 2
		if hasWeight {
			want++
		}
		if hasAccuracy {
			want++
		}
		if len(argTypes) != want {
			return nil, userErrorf("Wrong number of arguments passed to %s", Name)
		}
		if hasAccuracy && argTypes[len(argTypes)-1] != "double" {
			return nil, userErrorf("The type of the accuracy argument of %s must be DOUBLE", Name)
		}
		percentileIndex := len(argTypes) - 1
		if hasAccuracy {
			percentileIndex--
		}
		if pt := argTypes[percentileIndex]; pt != "double" && pt != "array(double)" {
			return nil, userErrorf(
				"The type of the percentile argument of %s must be DOUBLE or ARRAY(DOUBLE)", Name)
		}
	} else if len(argTypes) != 1 || !strings.HasPrefix(argTypes[0], "row(") {
		return nil, userErrorf("The type of partial result for %s must be ROW", Name)
	}

	var elemType string
	switch {
	case !isRaw && step.isPartialOutput():
		children := rowChildTypes(argTypes[0])
		if len(children) != numIntermediateChildren {
			return nil, userErrorf("The type of partial result for %s must be ROW", Name)
		}
		elemType = children[childMinValue]
	case isRaw:
		elemType = argTypes[0]
	case strings.HasPrefix(resultType, "array("):
		elemType = strings.TrimSuffix(strings.TrimPrefix(resultType, "array("), ")")
	default:
		elemType = resultType
	}

	arrayOutput := strings.HasPrefix(resultType, "array(")
	switch elemType {
	case "tinyint":
		return NewAggregate[int8](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	case "smallint":
		return NewAggregate[int16](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	case "integer":
		return NewAggregate[int32](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	case "bigint":
		return NewAggregate[int64](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	case "real":
		return NewAggregate[float32](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	case "double":
		return NewAggregate[float64](hasWeight, hasAccuracy, arrayOutput, cfg), nil
	default:
		return nil, userErrorf("Unsupported input type for %s aggregation %s", Name, elemType)
	}
}

// rowChildTypes splits the children of a "row(...)" type string at its
// top-level commas.
func rowChildTypes(t string) []string {
	inner, ok := strings.CutPrefix(t, "row(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return nil
	}
	inner = strings.TrimSuffix(inner, ")")
	var children []string
	depth := 0
	start := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				children = append(children, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	children = append(children, strings.TrimSpace(inner[start:]))
	return children
}
