package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/ptq/pkg/quant"
)

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name   string
	Tensor quant.Tensor
}

// Encode writes tensors as F32 in the given order. The header keeps that
// order so repeated runs produce identical files.
func Encode(w io.Writer, tensors []Named, metadata map[string]string) error {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		header.Set("__metadata__", metadata)
	}
	var off int64
	for _, t := range tensors {
		if err := t.Tensor.Validate(); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if _, dup := header.Get(t.Name); dup {
			return fmt.Errorf("tensor %s: duplicate name", t.Name)
		}
		size := int64(len(t.Tensor.Data)) * 4
		header.Set(t.Name, tensorHeader{DType: "F32", Shape: t.Tensor.Shape, DataOffsets: []int64{off, off + size}})
		off += size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces to keep the data 8-byte aligned.
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	bw := bufio.NewWriter(w)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(hb)))
	if _, err := bw.Write(buf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, t := range tensors {
		for _, v := range t.Tensor.Data {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(float32(v)))
			if _, err := bw.Write(buf[:4]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile encodes tensors into path.
func WriteFile(path string, tensors []Named, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Encode(f, tensors, metadata)
}
