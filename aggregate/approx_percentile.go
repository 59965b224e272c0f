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

// Package aggregate implements the approx_percentile aggregation operator:
// per-group KLL sketches fed through three execution paths (raw ingest,
// intermediate merge, final extract) with a mergeable intermediate row
// representation for distributed execution.
package aggregate

import (
	"slices"
	"unsafe"

	"github.com/svm1/velox/common"
	"github.com/svm1/velox/internal/arena"
	"github.com/svm1/velox/kll"
	"github.com/svm1/velox/vector"
)

// Child order of the intermediate row. The first three children are
// query-scope constants; the rest carry one serialized sketch view per row.
const (
	childPercentiles = iota
	childPercentilesIsArray
	childAccuracy
	childK
	childN
	childMinValue
	childMaxValue
	childItems
	childLevels
	numIntermediateChildren
)

const missingAccuracy = -1.0

type percentiles struct {
	values  []float64
	isArray bool
}

// Aggregate computes approx_percentile for one physical aggregation node.
// The percentile and accuracy arguments are query-scope constants resolved
// on the first input row and enforced on every row thereafter.
//
// The operator is single-threaded within a task; the surrounding runtime
// guarantees that only one worker mutates any given group at a time.
type Aggregate[T common.Numeric] struct {
	hasWeight                  bool
	hasAccuracy                bool
	validateIntermediateInputs bool
	arrayOutput                bool

	fixedSeed *uint32
	arena     *arena.Arena

	percentiles *percentiles
	accuracy    float64

	groups []*accumulator[T]
}

// NewAggregate builds the operator for one signature. arrayOutput reflects
// whether the declared result type is array-valued (it matches the
// percentile argument's cardinality).
func NewAggregate[T common.Numeric](hasWeight, hasAccuracy, arrayOutput bool, cfg Config) *Aggregate[T] {
	return &Aggregate[T]{
		hasWeight:                  hasWeight,
		hasAccuracy:                hasAccuracy,
		validateIntermediateInputs: cfg.ValidateIntermediateInputs,
		arrayOutput:                arrayOutput,
		fixedSeed:                  cfg.FixedSeed,
		arena:                      arena.New(),
		accuracy:                   missingAccuracy,
	}
}

// AccumulatorFixedWidthSize returns the size of the per-group struct.
func (a *Aggregate[T]) AccumulatorFixedWidthSize() int {
	return int(unsafe.Sizeof(accumulator[T]{}))
}

// NewGroups initializes accumulators at the given slots.
func (a *Aggregate[T]) NewGroups(groupIDs []int32) {
	for _, id := range groupIDs {
		for int(id) >= len(a.groups) {
			a.groups = append(a.groups, nil)
		}
		a.groups[id] = newAccumulator[T](a.arena, a.fixedSeed)
	}
}

// DestroyGroups destructs the accumulators at the given slots.
func (a *Aggregate[T]) DestroyGroups(groupIDs []int32) {
	for _, id := range groupIDs {
		if g := a.groups[id]; g != nil {
			g.destroy(a.arena)
			a.groups[id] = nil
		}
	}
}

// AddRawInput ingests raw value rows. groups maps each row index to its
// group slot; rows lists the selected row indices.
func (a *Aggregate[T]) AddRawInput(groups []int32, rows []int, args []vector.Any, _ bool) error {
	value, weight, err := a.decodeRawArguments(rows, args)
	if err != nil {
		return err
	}

	if a.hasWeight {
		for _, row := range rows {
			if value.IsNullAt(row) || weight.IsNullAt(row) {
				continue
			}
			g := a.initAccumulator(a.groups[groups[row]])
			w := weight.ValueAt(row)
			if err := checkWeight(w); err != nil {
				return err
			}
			g.appendWeighted(value.ValueAt(row), w, a.arena, a.fixedSeed)
		}
		return nil
	}

	if value.MayHaveNulls() {
		for _, row := range rows {
			if value.IsNullAt(row) {
				continue
			}
			a.initAccumulator(a.groups[groups[row]]).append(value.ValueAt(row))
		}
	} else {
		for _, row := range rows {
			a.initAccumulator(a.groups[groups[row]]).append(value.ValueAt(row))
		}
	}
	return nil
}

// AddSingleGroupRawInput ingests raw value rows into a single group.
func (a *Aggregate[T]) AddSingleGroupRawInput(group int32, rows []int, args []vector.Any, _ bool) error {
	value, weight, err := a.decodeRawArguments(rows, args)
	if err != nil {
		return err
	}
	g := a.initAccumulator(a.groups[group])

	if a.hasWeight {
		for _, row := range rows {
			if value.IsNullAt(row) || weight.IsNullAt(row) {
				continue
			}
			w := weight.ValueAt(row)
			if err := checkWeight(w); err != nil {
				return err
			}
			g.appendWeighted(value.ValueAt(row), w, a.arena, a.fixedSeed)
		}
		return nil
	}

	if value.MayHaveNulls() {
		for _, row := range rows {
			if value.IsNullAt(row) {
				continue
			}
			g.append(value.ValueAt(row))
		}
	} else {
		for _, row := range rows {
			g.append(value.ValueAt(row))
		}
	}
	return nil
}

// AddIntermediateResults merges serialized partial states into their groups.
func (a *Aggregate[T]) AddIntermediateResults(groups []int32, rows []int, args []vector.Any) error {
	return a.addIntermediate(false, 0, groups, rows, args)
}

// AddSingleGroupIntermediateResults merges serialized partial states into a
// single group, batching all views into one merge.
func (a *Aggregate[T]) AddSingleGroupIntermediateResults(group int32, rows []int, args []vector.Any) error {
	return a.addIntermediate(true, group, nil, rows, args)
}

// ExtractValues finishes every group and emits the final quantiles: one
// scalar per group, or one array per group when the percentile argument was
// array-typed.
func (a *Aggregate[T]) ExtractValues(groups []int32) (vector.Any, error) {
	for _, id := range groups {
		a.groups[id].flush(a.arena, a.fixedSeed)
	}

	// When all inputs were null or masked out, percentiles stay unresolved
	// and the result is all null.
	if a.percentiles == nil {
		if a.arrayOutput {
			empty := vector.NewArray(vector.NewFlat[T](0), []int32{0}, []int32{0}, nil)
			return vector.NewNullConstantWrap(empty, len(groups)), nil
		}
		return vector.NewNullConstant[T](len(groups)), nil
	}

	if a.percentiles.isArray {
		return a.extractArrays(groups), nil
	}
	out := vector.NewFlat[T](len(groups))
	p := a.percentiles.values[len(a.percentiles.values)-1]
	for i, id := range groups {
		g := a.groups[id]
		if g.sketch.TotalCount() == 0 {
			out.SetNull(i)
			continue
		}
		out.Set(i, g.sketch.EstimateQuantile(p))
	}
	return out, nil
}

func (a *Aggregate[T]) extractArrays(groups []int32) *vector.Array {
	ps := a.percentiles.values
	elementsCount := 0
	for _, id := range groups {
		if a.groups[id].sketch.TotalCount() > 0 {
			elementsCount += len(ps)
		}
	}
	elements := vector.NewFlat[T](elementsCount)
	raw := elements.RawValues()
	out := vector.NewArray(elements, make([]int32, len(groups)), make([]int32, len(groups)), nil)
	pos := 0
	for i, id := range groups {
		g := a.groups[id]
		if g.sketch.TotalCount() == 0 {
			out.SetNull(i)
			continue
		}
		g.sketch.EstimateQuantiles(ps, raw[pos:pos+len(ps)])
		out.SetOffsetAndSize(i, pos, len(ps))
		pos += len(ps)
	}
	return out
}

// ExtractAccumulators serializes every group's spill-safe compacted sketch
// into the intermediate row layout. Empty groups emit a null row; their
// child cells are left zeroed.
func (a *Aggregate[T]) ExtractAccumulators(groups []int32) (*vector.Row, error) {
	n := len(groups)
	sketches := make([]*kll.Sketch[T], n)
	views := make([]kll.View[T], n)
	itemsCount := 0
	levelsCount := 0
	for i, id := range groups {
		sketches[i] = a.groups[id].compactForSpill(a.fixedSeed)
		views[i] = sketches[i].ToView()
		itemsCount += len(views[i].Items)
		levelsCount += len(views[i].Levels)
	}

	children := make([]vector.Any, numIntermediateChildren)
	rowNulls := make([]bool, n)

	// percentiles can be unresolved during an intermediate aggregation step
	// when every input partial state was null. All rows are null then, and
	// the three query-scope children stay null constants.
	if a.percentiles == nil {
		emptyPercentiles := vector.NewArray(vector.NewFlat[float64](0), []int32{0}, []int32{0}, nil)
		children[childPercentiles] = vector.NewNullConstantWrap(emptyPercentiles, n)
		children[childPercentilesIsArray] = vector.NewNullConstant[bool](n)
		children[childAccuracy] = vector.NewNullConstant[float64](n)
		children[childK] = vector.NewFlat[int32](n)
		children[childN] = vector.NewFlat[int64](n)
		children[childMinValue] = vector.NewFlat[T](n)
		children[childMaxValue] = vector.NewFlat[T](n)
		children[childItems] = vector.NewArray(vector.NewFlat[T](0), make([]int32, n), make([]int32, n), nil)
		children[childLevels] = vector.NewArray(vector.NewFlat[int32](0), make([]int32, n), make([]int32, n), nil)
		for i := range rowNulls {
			rowNulls[i] = true
		}
		return vector.NewRow(children, rowNulls, n), nil
	}

	pvals := slices.Clone(a.percentiles.values)
	percentilesBase := vector.NewArray(
		vector.NewFlatFromValues(pvals, nil),
		[]int32{0}, []int32{int32(len(pvals))}, nil)
	children[childPercentiles] = vector.NewConstantWrap(percentilesBase, 0, n)
	children[childPercentilesIsArray] = vector.NewConstant(a.percentiles.isArray, n)
	if a.accuracy == missingAccuracy {
		children[childAccuracy] = vector.NewNullConstant[float64](n)
	} else {
		children[childAccuracy] = vector.NewConstant(a.accuracy, n)
	}

	kCol := vector.NewFlat[int32](n)
	nCol := vector.NewFlat[int64](n)
	minCol := vector.NewFlat[T](n)
	maxCol := vector.NewFlat[T](n)
	itemsElements := vector.NewFlat[T](itemsCount)
	levelsElements := vector.NewFlat[int32](levelsCount)
	itemsCol := vector.NewArray(itemsElements, make([]int32, n), make([]int32, n), nil)
	levelsCol := vector.NewArray(levelsElements, make([]int32, n), make([]int32, n), nil)

	itemsPos := 0
	levelsPos := 0
	for i := range views {
		v := views[i]
		if v.N == 0 {
			rowNulls[i] = true
			continue
		}
		kCol.Set(i, int32(v.K))
		nCol.Set(i, int64(v.N))
		minCol.Set(i, v.MinValue)
		maxCol.Set(i, v.MaxValue)
		copy(itemsElements.RawValues()[itemsPos:], v.Items)
		itemsCol.SetOffsetAndSize(i, itemsPos, len(v.Items))
		itemsPos += len(v.Items)
		rawLevels := levelsElements.RawValues()
		for j, l := range v.Levels {
			rawLevels[levelsPos+j] = int32(l)
		}
		levelsCol.SetOffsetAndSize(i, levelsPos, len(v.Levels))
		levelsPos += len(v.Levels)
	}

	children[childK] = kCol
	children[childN] = nCol
	children[childMinValue] = minCol
	children[childMaxValue] = maxCol
	children[childItems] = itemsCol
	children[childLevels] = levelsCol
	return vector.NewRow(children, rowNulls, n), nil
}

func (a *Aggregate[T]) initAccumulator(g *accumulator[T]) *accumulator[T] {
	if a.accuracy != missingAccuracy {
		g.setAccuracy(a.accuracy)
	}
	return g
}

func (a *Aggregate[T]) decodeRawArguments(rows []int, args []vector.Any) (vector.Decoded[T], vector.Decoded[int64], error) {
	var weight vector.Decoded[int64]
	argIndex := 0
	value, err := vector.Decode[T](args[argIndex])
	if err != nil {
		return value, weight, userErrorf("%s: %s", Name, err)
	}
	argIndex++
	if a.hasWeight {
		weight, err = vector.Decode[int64](args[argIndex])
		if err != nil {
			return value, weight, userErrorf("%s: %s", Name, err)
		}
		argIndex++
	}
	if err := a.checkSetPercentileColumn(rows, args[argIndex]); err != nil {
		return value, weight, err
	}
	argIndex++
	if a.hasAccuracy {
		if err := a.checkSetAccuracyColumn(rows, args[argIndex]); err != nil {
			return value, weight, err
		}
		argIndex++
	}
	if argIndex != len(args) {
		return value, weight, userErrorf("Wrong number of arguments passed to %s", Name)
	}
	return value, weight, nil
}

func checkWeight(weight int64) error {
	if weight < 1 || weight > maxWeight {
		return userErrorf("%s: weight must be in range [1, %d], got %d", Name, maxWeight, weight)
	}
	return nil
}

func (a *Aggregate[T]) checkSetPercentileColumn(rows []int, v vector.Any) error {
	switch p := v.(type) {
	case *vector.Constant[float64]:
		if p.IsNull() {
			return userErrorf("Percentile cannot be null")
		}
		return a.checkSetPercentiles(false, []float64{p.Value()})

	case *vector.Flat[float64]:
		if len(rows) == 0 {
			return nil
		}
		first := p.ValueAt(rows[0])
		for _, row := range rows {
			if p.IsNullAt(row) {
				return userErrorf("Percentile cannot be null")
			}
			if v := p.ValueAt(row); v != first {
				return userErrorf(
					"Percentile argument must be constant for all input rows: %v vs. %v", v, first)
			}
		}
		return a.checkSetPercentiles(false, []float64{first})

	case *vector.ConstantWrap:
		arr, ok := p.Base().(*vector.Array)
		if !ok {
			return userErrorf("Incorrect type for percentile: %s", p.Base().Kind())
		}
		if p.IsNull() {
			return userErrorf("Percentile cannot be null")
		}
		values, err := percentileArrayAt(arr, p.Index())
		if err != nil {
			return err
		}
		return a.checkSetPercentiles(true, values)

	case *vector.Array:
		if len(rows) == 0 {
			return nil
		}
		if p.IsNullAt(rows[0]) {
			return userErrorf("Percentile cannot be null")
		}
		first, err := percentileArrayAt(p, rows[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			if p.IsNullAt(row) {
				return userErrorf("Percentile cannot be null")
			}
			values, err := percentileArrayAt(p, row)
			if err != nil {
				return err
			}
			if !slices.Equal(values, first) {
				return userErrorf("Percentile argument must be constant for all input rows")
			}
		}
		return a.checkSetPercentiles(true, first)

	default:
		return userErrorf("Incorrect type for percentile: %s", v.Kind())
	}
}

// percentileArrayAt reads one row of an array(double) column, rejecting null
// elements.
func percentileArrayAt(arr *vector.Array, row int) ([]float64, error) {
	elements, ok := arr.Elements().(*vector.Flat[float64])
	if !ok {
		return nil, userErrorf("Incorrect type for percentile: array(%s)", arr.Elements().Kind())
	}
	offset := arr.OffsetAt(row)
	size := arr.SizeAt(row)
	for i := offset; i < offset+size; i++ {
		if elements.IsNullAt(i) {
			return nil, userErrorf("Percentile cannot be null")
		}
	}
	return elements.RawValues()[offset : offset+size], nil
}

func (a *Aggregate[T]) checkSetPercentiles(isArray bool, values []float64) error {
	if a.percentiles == nil {
		if len(values) == 0 {
			return userErrorf("Percentile cannot be empty")
		}
		for _, v := range values {
			if !(v >= 0 && v <= 1) {
				return userErrorf("Percentile must be between 0 and 1")
			}
		}
		a.percentiles = &percentiles{values: slices.Clone(values), isArray: isArray}
		return nil
	}
	if isArray != a.percentiles.isArray || !slices.Equal(values, a.percentiles.values) {
		return userErrorf("Percentile argument must be constant for all input rows")
	}
	return nil
}

func (a *Aggregate[T]) checkSetAccuracyColumn(rows []int, v vector.Any) error {
	d, err := vector.Decode[float64](v)
	if err != nil {
		return userErrorf("%s: %s", Name, err)
	}
	if d.IsConstant() {
		if d.IsNullAt(0) {
			return userErrorf("Accuracy cannot be null")
		}
		return a.checkSetAccuracy(d.ValueAt(0))
	}
	for _, row := range rows {
		if d.IsNullAt(row) {
			return userErrorf("Accuracy cannot be null")
		}
		accuracy := d.ValueAt(row)
		if a.accuracy == missingAccuracy {
			if err := a.checkSetAccuracy(accuracy); err != nil {
				return err
			}
		}
		if accuracy != a.accuracy {
			return userErrorf("Accuracy argument must be constant for all input rows")
		}
	}
	return nil
}

func (a *Aggregate[T]) checkSetAccuracy(accuracy float64) error {
	if !(accuracy > 0 && accuracy <= 1) {
		return userErrorf("Accuracy must be between 0 and 1")
	}
	if a.accuracy == missingAccuracy {
		a.accuracy = accuracy
		return nil
	}
	if accuracy != a.accuracy {
		return userErrorf("Accuracy argument must be constant for all input rows")
	}
	return nil
}

func (a *Aggregate[T]) addIntermediate(singleGroup bool, group int32, groups []int32, rows []int, args []vector.Any) error {
	fail := func(what string) error {
		if a.validateIntermediateInputs {
			return userErrorf("%s: malformed intermediate input: %s", Name, what)
		}
		panic(Name + ": malformed intermediate input: " + what)
	}
	if len(args) != 1 {
		return fail("expected a single row column")
	}
	rowVec, ok := args[0].(*vector.Row)
	if !ok || rowVec.NumChildren() != numIntermediateChildren {
		return fail("expected a row vector of nine children")
	}
	if a.validateIntermediateInputs {
		for i := childPercentiles; i <= childAccuracy; i++ {
			if !vector.IsConstantEncoded(rowVec.ChildAt(i)) {
				return fail("query-scope children must be constant-encoded")
			}
		}
	}

	isArrayCol, err := vector.Decode[bool](rowVec.ChildAt(childPercentilesIsArray))
	if err != nil {
		return fail(err.Error())
	}
	accuracyCol, err := vector.Decode[float64](rowVec.ChildAt(childAccuracy))
	if err != nil {
		return fail(err.Error())
	}
	kCol, ok := rowVec.ChildAt(childK).(*vector.Flat[int32])
	if !ok {
		return fail("k must be a flat integer column")
	}
	nCol, ok := rowVec.ChildAt(childN).(*vector.Flat[int64])
	if !ok {
		return fail("n must be a flat bigint column")
	}
	minCol, ok := rowVec.ChildAt(childMinValue).(*vector.Flat[T])
	if !ok {
		return fail("minValue has the wrong type")
	}
	maxCol, ok := rowVec.ChildAt(childMaxValue).(*vector.Flat[T])
	if !ok {
		return fail("maxValue has the wrong type")
	}
	itemsCol, ok := rowVec.ChildAt(childItems).(*vector.Array)
	if !ok {
		return fail("items must be an array column")
	}
	levelsCol, ok := rowVec.ChildAt(childLevels).(*vector.Array)
	if !ok {
		return fail("levels must be an array column")
	}
	itemsElements, ok := itemsCol.Elements().(*vector.Flat[T])
	if !ok {
		return fail("items elements have the wrong type")
	}
	levelsElements, ok := levelsCol.Elements().(*vector.Flat[int32])
	if !ok {
		return fail("levels elements have the wrong type")
	}

	var g *accumulator[T]
	var views []kll.View[T]
	if singleGroup {
		views = make([]kll.View[T], 0, len(rows))
	}
	first := true
	for _, row := range rows {
		if rowVec.IsNullAt(row) {
			continue
		}
		if isArrayCol.IsNullAt(row) {
			continue
		}
		if first {
			first = false
			if err := a.setFromIntermediate(rowVec, isArrayCol, accuracyCol, row); err != nil {
				return err
			}
		}
		if singleGroup {
			if g == nil {
				g = a.initAccumulator(a.groups[group])
			}
		} else {
			g = a.initAccumulator(a.groups[groups[row]])
		}
		if a.validateIntermediateInputs &&
			(kCol.IsNullAt(row) || nCol.IsNullAt(row) || minCol.IsNullAt(row) ||
				maxCol.IsNullAt(row) || itemsCol.IsNullAt(row) || levelsCol.IsNullAt(row)) {
			return fail("null sketch field in a non-null row")
		}

		itemsOffset := itemsCol.OffsetAt(row)
		levelsOffset := levelsCol.OffsetAt(row)
		rawLevels := levelsElements.RawValues()[levelsOffset : levelsOffset+levelsCol.SizeAt(row)]
		levels := make([]uint32, len(rawLevels))
		for i, l := range rawLevels {
			levels[i] = uint32(l)
		}
		view := kll.View[T]{
			K:        uint32(kCol.ValueAt(row)),
			N:        uint64(nCol.ValueAt(row)),
			MinValue: minCol.ValueAt(row),
			MaxValue: maxCol.ValueAt(row),
			Items:    itemsElements.RawValues()[itemsOffset : itemsOffset+itemsCol.SizeAt(row)],
			Levels:   levels,
		}
		if singleGroup {
			views = append(views, view)
		} else {
			g.appendView(view)
		}
	}
	if singleGroup && len(views) > 0 {
		g.appendViews(views)
	}
	return nil
}

func (a *Aggregate[T]) setFromIntermediate(rowVec *vector.Row, isArrayCol vector.Decoded[bool], accuracyCol vector.Decoded[float64], row int) error {
	var values []float64
	var err error
	switch p := rowVec.ChildAt(childPercentiles).(type) {
	case *vector.ConstantWrap:
		if p.IsNull() {
			return userErrorf("Percentile cannot be null")
		}
		arr, ok := p.Base().(*vector.Array)
		if !ok {
			return userErrorf("Incorrect type for percentile: %s", p.Base().Kind())
		}
		values, err = percentileArrayAt(arr, p.Index())
	case *vector.Array:
		if p.IsNullAt(row) {
			return userErrorf("Percentile cannot be null")
		}
		values, err = percentileArrayAt(p, row)
	default:
		return userErrorf("Incorrect type for percentile: %s", rowVec.ChildAt(childPercentiles).Kind())
	}
	if err != nil {
		return err
	}
	if err := a.checkSetPercentiles(isArrayCol.ValueAt(row), values); err != nil {
		return err
	}
	if !accuracyCol.IsNullAt(row) {
		return a.checkSetAccuracy(accuracyCol.ValueAt(row))
	}
	return nil
}
