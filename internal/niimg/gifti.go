package niimg

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// GIFTI data array attribute values.
const (
	giftiEncodingASCII    = "ASCII"
	giftiEncodingBase64   = "Base64Binary"
	giftiEncodingGzip     = "GZipBase64Binary"
	giftiEncodingExternal = "ExternalFileBinary"

	giftiOrderRowMajor    = "RowMajorOrder"
	giftiOrderColumnMajor = "ColumnMajorOrder"

	giftiDoctype = `<!DOCTYPE GIFTI SYSTEM "http://www.nitrc.org/frs/download.php/115/gifti.dtd">`
)

// giftiTypes maps GIFTI datatype names onto NIfTI datatype codes.
var giftiTypes = map[string]int16{
	"NIFTI_TYPE_UINT8":   niftiTypeUint8,
	"NIFTI_TYPE_INT32":   niftiTypeInt32,
	"NIFTI_TYPE_FLOAT32": niftiTypeFloat32,
	"NIFTI_TYPE_FLOAT64": niftiTypeFloat64,
}

type giftiFile struct {
	XMLName            xml.Name     `xml:"GIFTI"`
	Version            string       `xml:"Version,attr"`
	NumberOfDataArrays int          `xml:"NumberOfDataArrays,attr"`
	Arrays             []giftiArray `xml:"DataArray"`
}

type giftiArray struct {
	Intent         string `xml:"Intent,attr"`
	DataType       string `xml:"DataType,attr"`
	Order          string `xml:"ArrayIndexingOrder,attr"`
	Dimensionality int    `xml:"Dimensionality,attr"`
	Dim0           int    `xml:"Dim0,attr"`
	Dim1           int    `xml:"Dim1,attr,omitempty"`
	Dim2           int    `xml:"Dim2,attr,omitempty"`
	Encoding       string `xml:"Encoding,attr"`
	Endian         string `xml:"Endian,attr,omitempty"`
	Data           string `xml:"Data"`
}

// LoadGIfTI reads a .gii file from disk.
func LoadGIfTI(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := DecodeGIfTI(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeGIfTI reads a GIFTI image from r. A single data array becomes the
// image as stored; several one-dimensional arrays of equal length stack
// into a vertices-by-arrays image, the layout functional GIFTI files use
// for one map per timepoint.
func DecodeGIfTI(r io.Reader) (*Image, error) {
	var doc giftiFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse GIFTI document: %w", err)
	}
	if len(doc.Arrays) == 0 {
		return nil, fmt.Errorf("GIFTI document contains no data arrays")
	}

	dims := make([][]int, len(doc.Arrays))
	data := make([][]float64, len(doc.Arrays))
	for i := range doc.Arrays {
		d, v, err := decodeGiftiArray(&doc.Arrays[i])
		if err != nil {
			return nil, fmt.Errorf("data array %d: %w", i, err)
		}
		dims[i], data[i] = d, v
	}
	if len(doc.Arrays) == 1 {
		return &Image{Dims: dims[0], Data: data[0]}, nil
	}

	vertices := dims[0][0]
	for i, d := range dims {
		if len(d) != 1 || d[0] != vertices {
			return nil, fmt.Errorf("data array %d has shape %v and cannot be stacked with %d vertices", i, d, vertices)
		}
	}
	stacked := make([]float64, 0, vertices*len(data))
	for _, v := range data {
		stacked = append(stacked, v...)
	}
	return &Image{Dims: []int{vertices, len(data)}, Data: stacked}, nil
}

func decodeGiftiArray(arr *giftiArray) ([]int, []float64, error) {
	nd := arr.Dimensionality
	if nd < 1 || nd > 3 {
		return nil, nil, fmt.Errorf("unsupported dimensionality %d", nd)
	}
	dims := []int{arr.Dim0, arr.Dim1, arr.Dim2}[:nd]
	n := 1
	for i, d := range dims {
		if d < 1 {
			return nil, nil, fmt.Errorf("invalid Dim%d value %d", i, d)
		}
		n *= d
		if n > maxImageElements {
			return nil, nil, fmt.Errorf("data array too large: dimensions %v", dims)
		}
	}

	var data []float64
	switch arr.Encoding {
	case giftiEncodingASCII:
		fields := strings.Fields(arr.Data)
		if len(fields) != n {
			return nil, nil, fmt.Errorf("ASCII data holds %d values, dimensions %v need %d", len(fields), dims, n)
		}
		data = make([]float64, n)
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("ASCII data value %q: %w", field, err)
			}
			data[i] = v
		}
	case giftiEncodingBase64, giftiEncodingGzip:
		code, ok := giftiTypes[arr.DataType]
		if !ok {
			return nil, nil, fmt.Errorf("unsupported GIFTI datatype %q", arr.DataType)
		}
		elemSize, err := niftiElemSize(code)
		if err != nil {
			return nil, nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(stripSpace(arr.Data))
		if err != nil {
			return nil, nil, fmt.Errorf("decode base64 data: %w", err)
		}
		if arr.Encoding == giftiEncodingGzip {
			raw, err = inflate(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("decompress data: %w", err)
			}
		}
		if len(raw) < n*elemSize {
			return nil, nil, fmt.Errorf("data holds %d bytes, dimensions %v need %d", len(raw), dims, n*elemSize)
		}
		var order binary.ByteOrder = binary.LittleEndian
		if arr.Endian == "BigEndian" {
			order = binary.BigEndian
		}
		data, err = convertElements(raw, code, order, n)
		if err != nil {
			return nil, nil, err
		}
	case giftiEncodingExternal:
		return nil, nil, fmt.Errorf("external file data is not supported")
	default:
		return nil, nil, fmt.Errorf("unsupported encoding %q", arr.Encoding)
	}

	// The default indexing order is row major, where the last axis runs
	// fastest. Canonical storage wants the first axis fastest.
	if arr.Order != giftiOrderColumnMajor {
		data = rowMajorToCanonical(data, dims)
	}
	return dims, data, nil
}

// rowMajorToCanonical reorders a row-major flat array so that the first
// axis varies fastest.
func rowMajorToCanonical(data []float64, dims []int) []float64 {
	if len(dims) < 2 {
		return data
	}
	rowStride := make([]int, len(dims))
	rowStride[len(dims)-1] = 1
	for i := len(dims) - 2; i >= 0; i-- {
		rowStride[i] = rowStride[i+1] * dims[i+1]
	}
	colStride := make([]int, len(dims))
	colStride[0] = 1
	for i := 1; i < len(dims); i++ {
		colStride[i] = colStride[i-1] * dims[i-1]
	}
	out := make([]float64, len(data))
	for src := range data {
		rem := src
		dst := 0
		for i := range dims {
			dst += (rem / rowStride[i]) * colStride[i]
			rem %= rowStride[i]
		}
		out[dst] = data[src]
	}
	return out
}

// inflate decompresses a GZipBase64Binary payload. Common writers emit a
// zlib stream despite the attribute name; a real gzip wrapper is accepted
// as well.
func inflate(raw []byte) ([]byte, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// SaveGIfTI writes img to path.
func SaveGIfTI(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := EncodeGIfTI(f, img); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// EncodeGIfTI writes img to w as a single float64 data array in column
// major order, compressed and base64-encoded.
func EncodeGIfTI(w io.Writer, img *Image) error {
	if len(img.Dims) < 1 || len(img.Dims) > 2 {
		return fmt.Errorf("cannot encode a %d-dimensional image as GIFTI", len(img.Dims))
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if err := binary.Write(zw, binary.LittleEndian, img.Data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	arr := giftiArray{
		Intent:         "NIFTI_INTENT_NONE",
		DataType:       "NIFTI_TYPE_FLOAT64",
		Order:          giftiOrderColumnMajor,
		Dimensionality: len(img.Dims),
		Dim0:           img.Dims[0],
		Encoding:       giftiEncodingGzip,
		Endian:         "LittleEndian",
		Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	if len(img.Dims) == 2 {
		arr.Dim1 = img.Dims[1]
	}
	doc := giftiFile{
		Version:            "1.0",
		NumberOfDataArrays: 1,
		Arrays:             []giftiArray{arr},
	}

	if _, err := io.WriteString(w, xml.Header+giftiDoctype+"\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
