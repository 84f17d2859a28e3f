//go:build linux
// +build linux

// Package safetensors lays tensors out in the safetensors file format and
// writes them through an offload.FileWriter.
//
// The file starts with the header length as a little endian uint64, followed
// by a JSON header padded with spaces to a multiple of 8 bytes, followed by
// the tensor bytes back to back.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/offload"
	"github.com/rs/zerolog/log"
)

type DType string

const (
	F64     DType = "F64"
	F32     DType = "F32"
	F16     DType = "F16"
	BF16    DType = "BF16"
	I64     DType = "I64"
	I32     DType = "I32"
	I16     DType = "I16"
	I8      DType = "I8"
	U8      DType = "U8"
	BOOL    DType = "BOOL"
	F8_E4M3 DType = "F8_E4M3"
	F8_E5M2 DType = "F8_E5M2"
)

var dtypeSizes = map[DType]int{
	F64: 8, F32: 4, F16: 2, BF16: 2,
	I64: 8, I32: 4, I16: 2, I8: 1, U8: 1,
	BOOL: 1, F8_E4M3: 1, F8_E5M2: 1,
}

const metadataKey = "__metadata__"

var (
	ErrUnknownDType  = errors.New("unknown dtype")
	ErrDataSize      = errors.New("tensor data does not match its shape")
	ErrDuplicateName = errors.New("duplicate tensor name")
)

// Size is the element size in bytes, 0 for an unknown dtype.
func (d DType) Size() int {
	return dtypeSizes[d]
}

type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

func (t Tensor) numel() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Prepared is a header ready to be written.
type Prepared struct {
	// N is the padded header length.
	N int
	// Header is the padded JSON header.
	Header []byte
	// Offset is the total size of the tensor data.
	Offset int64
}

// Prepare orders tensors by dtype then name, assigns their data offsets and
// encodes the header. The tensors are returned in file order.
func Prepare(tensors []Tensor, meta map[string]string) (Prepared, []Tensor, error) {
	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DType != sorted[j].DType {
			return sorted[i].DType < sorted[j].DType
		}
		return sorted[i].Name < sorted[j].Name
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	if len(meta) > 0 {
		if err := writeField(&buf, metadataKey, meta); err != nil {
			return Prepared{}, nil, err
		}
	}

	seen := make(map[string]struct{}, len(sorted))
	var offset int64
	for _, t := range sorted {
		size := t.DType.Size()
		if size == 0 {
			return Prepared{}, nil, fmt.Errorf("%w: %q for tensor %q", ErrUnknownDType, t.DType, t.Name)
		}
		if _, ok := seen[t.Name]; ok || t.Name == metadataKey {
			return Prepared{}, nil, fmt.Errorf("%w: %q", ErrDuplicateName, t.Name)
		}
		seen[t.Name] = struct{}{}
		n := t.numel() * int64(size)
		if n != int64(len(t.Data)) {
			return Prepared{}, nil, fmt.Errorf("%w: %q has %d bytes, shape %v needs %d", ErrDataSize, t.Name, len(t.Data), t.Shape, n)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		info := TensorInfo{DType: t.DType, Shape: shape, DataOffsets: [2]int64{offset, offset + n}}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		if err := writeField(&buf, t.Name, info); err != nil {
			return Prepared{}, nil, err
		}
		offset += n
	}
	buf.WriteByte('}')

	if extra := (8 - buf.Len()%8) % 8; extra > 0 {
		buf.Write(bytes.Repeat([]byte{' '}, extra))
	}
	header := buf.Bytes()
	return Prepared{N: len(header), Header: header, Offset: offset}, sorted, nil
}

func writeField(buf *bytes.Buffer, name string, v any) error {
	k, err := json.Marshal(name)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", name, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// Save appends a safetensors image of tensors to f through a FileWriter and
// waits for every write. The tensor data must not change until Save returns.
func Save(f *os.File, tensors []Tensor, meta map[string]string, cfg aio.Config) error {
	prepared, ordered, err := Prepare(tensors, meta)
	if err != nil {
		return err
	}
	w, err := offload.NewFileWriter(f, cfg)
	if err != nil {
		return err
	}

	var writeErr error
	cb := func(err error) {
		if err != nil && writeErr == nil {
			writeErr = err
		}
	}

	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(prepared.N))
	if _, err := w.Append(lenBuf, cb); err != nil {
		return errors.Join(err, w.Close())
	}
	if _, err := w.Append(prepared.Header, cb); err != nil {
		return errors.Join(err, w.Close())
	}
	for _, t := range ordered {
		if len(t.Data) == 0 {
			continue
		}
		if _, err := w.Append(t.Data, cb); err != nil {
			return errors.Join(fmt.Errorf("append %q: %w", t.Name, err), w.Close())
		}
	}
	if err := w.Synchronize(); err != nil {
		return errors.Join(err, w.Close())
	}
	if err := w.Close(); err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	log.Debug().Msgf("saved %d tensors (%d data bytes) to %s", len(ordered), prepared.Offset, f.Name())
	return nil
}
