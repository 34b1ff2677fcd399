package fixture

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"nnunetprep/internal/models"
)

// NPY serialization for stage arrays. Arrays are always written as
// little-endian float32 ('<f4'), C order, NPY format version 1.0, so a
// bundle produced here is byte-comparable with one produced by the
// reference generator.

var npyMagic = []byte("\x93NUMPY")

// SaveNPY writes the volume's samples to path in NPY format.
func SaveNPY(path string, data []float32, shape [3]int) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		shape[0], shape[1], shape[2])
	// Total header size (magic + version + length field + text) pads to a
	// multiple of 64 and ends with a newline.
	padded := len(npyMagic) + 4 + len(header) + 1
	if rem := padded % 64; rem != 0 {
		padded += 64 - rem
	}
	textLen := padded - len(npyMagic) - 4

	buf := make([]byte, 0, padded+4*len(data))
	buf = append(buf, npyMagic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(textLen))
	buf = append(buf, header...)
	for len(buf) < padded-1 {
		buf = append(buf, ' ')
	}
	buf = append(buf, '\n')

	for _, v := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return os.WriteFile(path, buf, 0644)
}

// LoadNPY reads a 3D little-endian float32 NPY file written by SaveNPY or
// the reference generator.
func LoadNPY(path string) (*models.Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading npy file: %w", err)
	}
	if len(raw) < len(npyMagic)+4 || string(raw[:len(npyMagic)]) != string(npyMagic) {
		return nil, fmt.Errorf("%s: not an NPY file", path)
	}
	if raw[6] != 1 {
		return nil, fmt.Errorf("%s: unsupported NPY version %d.%d", path, raw[6], raw[7])
	}
	textLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if len(raw) < 10+textLen {
		return nil, fmt.Errorf("%s: truncated NPY header", path)
	}
	header := string(raw[10 : 10+textLen])

	if !strings.Contains(header, "'<f4'") {
		return nil, fmt.Errorf("%s: expected '<f4' dtype, header %q", path, strings.TrimSpace(header))
	}
	if strings.Contains(header, "'fortran_order': True") {
		return nil, fmt.Errorf("%s: fortran-order arrays are not supported", path)
	}
	shape, err := parseShape(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	payload := raw[10+textLen:]
	n := shape[0] * shape[1] * shape[2]
	if len(payload) != 4*n {
		return nil, fmt.Errorf("%s: payload is %d bytes, shape %v requires %d", path, len(payload), shape, 4*n)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return &models.Volume{Data: data, Shape: shape}, nil
}

// parseShape extracts the 3-tuple from an NPY header dict.
func parseShape(header string) ([3]int, error) {
	var shape [3]int
	open := strings.Index(header, "(")
	end := strings.Index(header, ")")
	if open < 0 || end < open {
		return shape, fmt.Errorf("malformed NPY header %q", strings.TrimSpace(header))
	}
	parts := strings.Split(header[open+1:end], ",")
	dims := make([]int, 0, 3)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return shape, fmt.Errorf("malformed NPY shape entry %q", part)
		}
		dims = append(dims, d)
	}
	if len(dims) != 3 {
		return shape, fmt.Errorf("expected a 3D array, got %d dimensions", len(dims))
	}
	copy(shape[:], dims)
	return shape, nil
}
