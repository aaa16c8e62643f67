package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// NamedTensor labels a tensor inside a record batch.
type NamedTensor struct {
	Name   string
	Tensor tensor.Tensor
}

// TensorSchema has one row per tensor. Values are stored in logical order
// whatever the physical layout, so readers never need to know the blocking.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "format", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch returns nil for an empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(tensors []NamedTensor) (arrow.RecordBatch, error) {
	if len(tensors) == 0 {
		return nil, nil
	}

	names := array.NewStringBuilder(b.mem)
	defer names.Release()
	dims := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer dims.Release()
	dimValues := dims.ValueBuilder().(*array.Int64Builder)
	formats := array.NewStringBuilder(b.mem)
	defer formats.Release()
	dtypes := array.NewStringBuilder(b.mem)
	defer dtypes.Release()
	values := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer values.Release()
	floatValues := values.ValueBuilder().(*array.Float32Builder)

	for _, nt := range tensors {
		if nt.Tensor == nil {
			return nil, fmt.Errorf("client: tensor %q is nil", nt.Name)
		}
		vals, err := tensor.Logical(nt.Tensor)
		if err != nil {
			return nil, fmt.Errorf("client: tensor %q: %w", nt.Name, err)
		}
		names.Append(nt.Name)
		dims.Append(true)
		for _, d := range nt.Tensor.Dims() {
			dimValues.Append(int64(d))
		}
		formats.Append(nt.Tensor.Format().String())
		dtypes.Append(nt.Tensor.DataType().String())
		values.Append(true)
		floatValues.AppendValues(vals, nil)
	}

	cols := []arrow.Array{names.NewArray(), dims.NewArray(), formats.NewArray(), dtypes.NewArray(), values.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(TensorSchema, cols, int64(len(tensors))), nil
}

// ReadTensors rebuilds the tensors of a batch produced by BuildRecordBatch,
// each in its recorded layout.
func ReadTensors(rec arrow.RecordBatch) ([]NamedTensor, error) {
	if !rec.Schema().Equal(TensorSchema) {
		return nil, fmt.Errorf("client: unexpected schema %s", rec.Schema())
	}
	names := rec.Column(0).(*array.String)
	dims := rec.Column(1).(*array.List)
	dimValues := dims.ListValues().(*array.Int64)
	formats := rec.Column(2).(*array.String)
	dtypes := rec.Column(3).(*array.String)
	values := rec.Column(4).(*array.List)
	floatValues := values.ListValues().(*array.Float32)

	out := make([]NamedTensor, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		f, err := layout.ParseFormat(formats.Value(i))
		if err != nil {
			return nil, err
		}
		dt, err := tensor.ParseDataType(dtypes.Value(i))
		if err != nil {
			return nil, err
		}
		ds, de := dims.ValueOffsets(i)
		shape := make([]int, 0, de-ds)
		for j := ds; j < de; j++ {
			shape = append(shape, int(dimValues.Value(int(j))))
		}
		vs, ve := values.ValueOffsets(i)
		t, err := tensor.FromLogical(shape, dt, f, floatValues.Float32Values()[vs:ve])
		if err != nil {
			return nil, fmt.Errorf("client: tensor %q: %w", names.Value(i), err)
		}
		out = append(out, NamedTensor{Name: names.Value(i), Tensor: t})
	}
	return out, nil
}
