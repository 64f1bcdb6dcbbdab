// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in NumPy's .npy and .npz file formats.
//
// Only floating point arrays are supported: values are converted to float64 when reading, and to the
// requested dtype when writing.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const magic = "\x93NUMPY"

// FromNpyFile reads a .npy file.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a tensor in .npy format from r.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy magic string and version")
	}
	if string(preamble[:len(magic)]) != magic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major := preamble[len(magic)]
	var headerLen int
	switch {
	case major == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case major >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
		if headerLen > math.MaxUint16 {
			return nil, errors.Errorf("header length %d is too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", major, preamble[len(magic)+1])
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(descr, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", descr)
	}
	dtype, err := npyDTypeToDType(descr)
	if err != nil {
		return nil, err
	}

	tensor := tensors.Zeros(dims...)
	flat := tensor.Flat()
	data := make([]byte, len(flat)*dtype.Size())
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	values := make([]float64, len(flat))
	for ii := range values {
		values[ii] = decode(dtype, data[ii*dtype.Size():])
	}
	if !fortranOrder || len(dims) <= 1 {
		copy(flat, values)
		return tensor, nil
	}

	// Fortran order: the first axis varies fastest.
	fortranStrides := make([]int, len(dims))
	stride := 1
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	for cIndex, coords := range tensor.Shape().Iter() {
		fortranIndex := 0
		for axis, coord := range coords {
			fortranIndex += coord * fortranStrides[axis]
		}
		flat[cIndex] = values[fortranIndex]
	}
	return tensor, nil
}

func decode(dtype dtypes.DType, data []byte) float64 {
	switch dtype {
	case dtypes.Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(data)).Float32())
	case dtypes.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(data))
	}
}

func encode(dtype dtypes.DType, buf []byte, value float64) []byte {
	switch dtype {
	case dtypes.Float16:
		return binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(float32(value)).Bits())
	case dtypes.Float32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(value)))
	default:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(value))
	}
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts the dtype description, shape and fortran_order from the .npy header, e.g.:
// "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }".
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		return "", nil, false, errors.Errorf("could not find 'descr' in header: %q", header)
	}
	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		return "", nil, false, errors.Errorf("could not find 'fortran_order' in header: %q", header)
	}
	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		return "", nil, false, errors.Errorf("could not find 'shape' in header: %q", header)
	}
	dims = []int{}
	for _, part := range strings.Split(mShape[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of 1D shapes, like (10,), or scalars.
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil || dim < 0 {
			return "", nil, false, errors.Errorf("invalid shape value %q in header", part)
		}
		dims = append(dims, dim)
	}
	return mDescr[1], dims, mFortran[1] == "True", nil
}

// npyDTypeToDType converts a NumPy dtype description to a dtypes.DType.
func npyDTypeToDType(descr string) (dtypes.DType, error) {
	switch strings.TrimLeft(descr, "<=|") {
	case "f2":
		return dtypes.Float16, nil
	case "f4":
		return dtypes.Float32, nil
	case "f8":
		return dtypes.Float64, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype %q, only float arrays are supported", descr)
	}
}

// dtypeToNpy converts a dtypes.DType to a little-endian NumPy dtype description.
func dtypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	default:
		// NumPy has no standard bfloat16 dtype.
		return "", errors.Errorf("dtype %s can't be saved in .npy format", dtype)
	}
}

// ToNpyWriter writes tensor to w in .npy format, converting the values to dtype.
func ToNpyWriter(tensor *tensors.Tensor, dtype dtypes.DType, w io.Writer) error {
	descr, err := dtypeToNpy(dtype)
	if err != nil {
		return err
	}
	dims := tensor.Shape().Dimensions
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		parts := make([]string, len(dims))
		for ii, dim := range dims {
			parts[ii] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(parts, ", ") + ")"
	}

	// Version 1.0: magic (6) + version (2) + header length (2) + header, padded with spaces to a
	// multiple of 16 bytes and terminated by a newline.
	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	buf := make([]byte, 0, 10+header.Len()+tensor.Size()*dtype.Size())
	buf = append(buf, magic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(header.Len()))
	buf = append(buf, header.Bytes()...)
	for _, v := range tensor.Flat() {
		buf = encode(dtype, buf, v)
	}
	if _, err = w.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}

// ToNpyFile writes tensor to a .npy file, converting the values to dtype.
func ToNpyFile(tensor *tensors.Tensor, dtype dtypes.DType, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, dtype, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// FromNpzFile reads a .npz file and returns its tensors by name.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	return fromNpz(&reader.Reader)
}

// FromNpzReader reads a .npz archive of the given size from r, and returns its tensors by name.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for .npz")
	}
	return fromNpz(zipReader)
}

func fromNpz(zipReader *zip.Reader) (map[string]*tensors.Tensor, error) {
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}

// ToNpzWriter writes the tensors to w as a .npz archive, converting the values to dtype.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, dtype dtypes.DType, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		fileWriter, err := zipWriter.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", name+".npy")
		}
		if err = ToNpyWriter(tensor, dtype, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close .npz archive")
}

// ToNpzFile writes the tensors to a .npz file, converting the values to dtype.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, dtype dtypes.DType, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, dtype, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}
