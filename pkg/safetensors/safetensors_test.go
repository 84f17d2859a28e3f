//go:build linux
// +build linux

package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTensors() []Tensor {
	return []Tensor{
		{Name: "w2", DType: F32, Shape: []int64{2, 2}, Data: make([]byte, 16)},
		{Name: "bias", DType: F16, Shape: []int64{3}, Data: []byte{1, 2, 3, 4, 5, 6}},
		{Name: "w1", DType: F32, Shape: []int64{1}, Data: []byte{9, 9, 9, 9}},
		{Name: "step", DType: I64, Shape: nil, Data: []byte{7, 0, 0, 0, 0, 0, 0, 0}},
	}
}

func TestPrepare(t *testing.T) {
	prepared, ordered, err := Prepare(sampleTensors(), map[string]string{"format": "pt"})
	require.NoError(t, err)

	names := make([]string, len(ordered))
	for i, tt := range ordered {
		names[i] = tt.Name
	}
	assert.Equal(t, []string{"bias", "w1", "w2", "step"}, names)
	assert.Equal(t, int64(34), prepared.Offset)
	assert.Zero(t, prepared.N%8)
	assert.Len(t, prepared.Header, prepared.N)

	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(prepared.Header, &header))
	assert.JSONEq(t, `{"format":"pt"}`, string(header["__metadata__"]))

	var w2 TensorInfo
	require.NoError(t, json.Unmarshal(header["w2"], &w2))
	assert.Equal(t, TensorInfo{DType: F32, Shape: []int64{2, 2}, DataOffsets: [2]int64{10, 26}}, w2)

	var step TensorInfo
	require.NoError(t, json.Unmarshal(header["step"], &step))
	assert.Equal(t, []int64{}, step.Shape)
	assert.Equal(t, [2]int64{26, 34}, step.DataOffsets)
}

func TestPrepare_Errors(t *testing.T) {
	tests := []struct {
		name    string
		tensors []Tensor
		want    error
	}{
		{"unknown dtype", []Tensor{{Name: "x", DType: "C64", Shape: []int64{1}, Data: make([]byte, 8)}}, ErrUnknownDType},
		{"short data", []Tensor{{Name: "x", DType: F32, Shape: []int64{2}, Data: make([]byte, 4)}}, ErrDataSize},
		{"duplicate", []Tensor{
			{Name: "x", DType: U8, Shape: []int64{1}, Data: []byte{1}},
			{Name: "x", DType: F16, Shape: []int64{1}, Data: []byte{1, 2}},
		}, ErrDuplicateName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Prepare(tt.tensors, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSave(t *testing.T) {
	if !aio.Probe(aio.BackendPthread) {
		t.Skip("pthread backend unavailable")
	}
	path := filepath.Join(t.TempDir(), "model.safetensors")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Save(f, sampleTensors(), nil, aio.Config{Backend: aio.BackendPthread}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(data[:8])
	prepared, _, err := Prepare(sampleTensors(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(prepared.N), n)
	assert.Equal(t, prepared.Header, data[8:8+n])

	body := data[8+n:]
	require.Len(t, body, int(prepared.Offset))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, body[:6])
	assert.Equal(t, []byte{9, 9, 9, 9}, body[6:10])
	assert.Equal(t, byte(7), body[26])
}
