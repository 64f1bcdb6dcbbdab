// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNpy(t *testing.T) {
	tensor := tensors.FromFlat([]float64{1, -2.5, 3, 0.125, 5, 6}, 2, 3)
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64} {
		var buf bytes.Buffer
		require.NoError(t, ToNpyWriter(tensor, dtype, &buf))
		require.Zero(t, (buf.Len()-len(tensor.Flat())*dtype.Size())%16, "header not aligned for %s", dtype)
		got, err := FromNpyReader(&buf)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, got.Shape().Dimensions)
		assert.Equal(t, tensor.Flat(), got.Flat(), "dtype %s", dtype)
	}

	var buf bytes.Buffer
	require.Error(t, ToNpyWriter(tensor, dtypes.BFloat16, &buf))

	// Scalars and 1D tensors.
	for _, tensor := range []*tensors.Tensor{tensors.Scalar(7), tensors.FromFlat([]float64{1, 2, 3}, 3)} {
		buf.Reset()
		require.NoError(t, ToNpyWriter(tensor, dtypes.Float64, &buf))
		got, err := FromNpyReader(&buf)
		require.NoError(t, err)
		assert.True(t, tensor.Equal(got))
	}

	// Files.
	filePath := filepath.Join(t.TempDir(), "x.npy")
	require.NoError(t, ToNpyFile(tensor, dtypes.Float32, filePath))
	got, err := FromNpyFile(filePath)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(got))
	_, err = FromNpyFile(filepath.Join(t.TempDir(), "missing.npy"))
	require.Error(t, err)
}

// npyBytes builds a .npy v1.0 file with the given raw header and float64 data.
func npyBytes(header string, values ...float64) []byte {
	buf := []byte(magic)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func TestNpyFortranOrder(t *testing.T) {
	// Column-major [[1, 2, 3], [4, 5, 6]].
	data := npyBytes("{'descr': '<f8', 'fortran_order': True, 'shape': (2, 3), }\n", 1, 4, 2, 5, 3, 6)
	got, err := FromNpyReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got.Flat())
}

func TestNpyErrors(t *testing.T) {
	_, err := FromNpyReader(bytes.NewReader([]byte("not a numpy file")))
	require.ErrorContains(t, err, "magic string")

	_, err = FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<i4', 'fortran_order': False, 'shape': (1,), }\n", 0)))
	require.ErrorContains(t, err, "unsupported NumPy dtype")

	_, err = FromNpyReader(bytes.NewReader(npyBytes("{'descr': '>f8', 'fortran_order': False, 'shape': (1,), }\n", 0)))
	require.ErrorContains(t, err, "big-endian")

	_, err = FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<f8', 'shape': (1,), }\n", 0)))
	require.ErrorContains(t, err, "fortran_order")

	// Truncated data.
	_, err = FromNpyReader(bytes.NewReader(npyBytes("{'descr': '<f8', 'fortran_order': False, 'shape': (2,), }\n", 0)))
	require.Error(t, err)
}

func TestNpz(t *testing.T) {
	values := map[string]*tensors.Tensor{
		"scheduled": tensors.FromFlat([]float64{1, 2, 3, 4}, 2, 2),
		"direct":    tensors.Scalar(0.5),
	}
	var buf bytes.Buffer
	require.NoError(t, ToNpzWriter(values, dtypes.Float64, &buf))
	got, err := FromNpzReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, got, 2)
	for name, tensor := range values {
		assert.True(t, tensor.Equal(got[name]), "tensor %q", name)
	}

	filePath := filepath.Join(t.TempDir(), "values.npz")
	require.NoError(t, ToNpzFile(values, dtypes.Float32, filePath))
	got, err = FromNpzFile(filePath)
	require.NoError(t, err)
	assert.True(t, values["scheduled"].Equal(got["scheduled"]))
}
