// Package tensorio stores named float64 tensors as an Arrow IPC file: one
// row per tensor with its name, shape and flattened row-major data.
package tensorio

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Size is the element count implied by Shape.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
}, nil)

func Marshal(tensors []Tensor) ([]byte, error) {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(2).(*array.ListBuilder)
	dataVals := data.ValueBuilder().(*array.Float64Builder)

	for _, t := range tensors {
		if t.Size() != len(t.Data) {
			return nil, fmt.Errorf("tensor %q: shape %v holds %d values, got %d", t.Name, t.Shape, t.Size(), len(t.Data))
		}
		names.Append(t.Name)
		shapes.Append(true)
		for _, d := range t.Shape {
			shapeVals.Append(int64(d))
		}
		data.Append(true)
		dataVals.AppendValues(t.Data, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write tensors: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close arrow writer: %w", err)
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) ([]Tensor, error) {
	mem := memory.NewGoAllocator()
	r, err := ipc.NewFileReader(bytes.NewReader(b), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("open arrow file: %w", err)
	}
	defer r.Close()

	if !r.Schema().Equal(schema) {
		return nil, fmt.Errorf("unexpected tensor schema: %s", r.Schema())
	}

	var out []Tensor
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		names := rec.Column(0).(*array.String)
		shapes := rec.Column(1).(*array.List)
		data := rec.Column(2).(*array.List)
		shapeVals := shapes.ListValues().(*array.Int64).Int64Values()
		dataVals := data.ListValues().(*array.Float64).Float64Values()

		for row := 0; row < int(rec.NumRows()); row++ {
			s0, s1 := shapes.ValueOffsets(row)
			d0, d1 := data.ValueOffsets(row)
			t := Tensor{
				Name:  names.Value(row),
				Shape: make([]int, 0, s1-s0),
				Data:  make([]float64, d1-d0),
			}
			for _, d := range shapeVals[s0:s1] {
				t.Shape = append(t.Shape, int(d))
			}
			copy(t.Data, dataVals[d0:d1])
			if t.Size() != len(t.Data) {
				return nil, fmt.Errorf("tensor %q: shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
			}
			out = append(out, t)
		}
	}
	return out, nil
}
