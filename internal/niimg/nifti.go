package niimg

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// NIfTI-1 datatype codes.
const (
	niftiTypeUint8   = 2
	niftiTypeInt16   = 4
	niftiTypeInt32   = 8
	niftiTypeFloat32 = 16
	niftiTypeFloat64 = 64
	niftiTypeInt8    = 256
	niftiTypeUint16  = 512
	niftiTypeUint32  = 768
	niftiTypeInt64   = 1024
	niftiTypeUint64  = 1280
)

const (
	niftiHeaderSize = 348
	niftiDataOffset = 352

	// maxImageElements bounds decoded image size at 2^33 elements, well
	// past any fMRI acquisition, to reject corrupt dimension fields before
	// allocating.
	maxImageElements = 1 << 33
)

// niftiHeader is the 348-byte NIfTI-1 header laid out field for field.
type niftiHeader struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// LoadNIfTI reads a .nii or .nii.gz volume from disk.
func LoadNIfTI(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	img, err := DecodeNIfTI(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeNIfTI reads a single-file NIfTI-1 image from r. Both byte orders
// are handled; the header's sizeof_hdr field identifies which one wrote
// the file.
func DecodeNIfTI(r io.Reader) (*Image, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read NIfTI header: %w", err)
	}

	var hdr niftiHeader
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("parse NIfTI header: %w", err)
	}
	if hdr.SizeofHdr != niftiHeaderSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return nil, fmt.Errorf("parse NIfTI header: %w", err)
		}
		if hdr.SizeofHdr != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: header size %d", hdr.SizeofHdr)
		}
	}
	switch string(hdr.Magic[:]) {
	case "n+1\x00":
	case "ni1\x00":
		return nil, fmt.Errorf("detached NIfTI header and image pairs are not supported")
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file: bad magic %q", hdr.Magic)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid NIfTI dimension count %d", ndim)
	}
	dims := make([]int, ndim)
	n := 1
	for i := range dims {
		d := int(hdr.Dim[i+1])
		if d < 1 {
			return nil, fmt.Errorf("invalid NIfTI dimension %d on axis %d", d, i)
		}
		dims[i] = d
		n *= d
		if n > maxImageElements {
			return nil, fmt.Errorf("NIfTI image too large: dimensions %v", hdr.Dim[1:ndim+1])
		}
	}

	elemSize, err := niftiElemSize(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	offset := int64(hdr.VoxOffset)
	if offset < niftiHeaderSize {
		return nil, fmt.Errorf("invalid NIfTI voxel offset %v", hdr.VoxOffset)
	}
	if skip := offset - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skip NIfTI extensions: %w", err)
		}
	}

	buf := make([]byte, n*elemSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read NIfTI voxels: %w", err)
	}
	data, err := convertElements(buf, hdr.Datatype, order, n)
	if err != nil {
		return nil, err
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}
	if math.IsNaN(inter) {
		inter = 0
	}
	if slope != 1 || inter != 0 {
		for i, v := range data {
			data[i] = v*slope + inter
		}
	}
	return &Image{Dims: dims, Data: data}, nil
}

// SaveNIfTI writes img to path, gzip-compressing when path ends in .gz.
func SaveNIfTI(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	if err := EncodeNIfTI(w, img); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Close()
}

// EncodeNIfTI writes img to w as a little-endian float64 NIfTI-1 image.
func EncodeNIfTI(w io.Writer, img *Image) error {
	if len(img.Dims) < 1 || len(img.Dims) > 7 {
		return fmt.Errorf("cannot encode a %d-dimensional image as NIfTI", len(img.Dims))
	}
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Datatype:  niftiTypeFloat64,
		Bitpix:    64,
		VoxOffset: niftiDataOffset,
		SclSlope:  1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	for i := range hdr.Dim {
		hdr.Dim[i] = 1
		hdr.Pixdim[i] = 1
	}
	hdr.Dim[0] = int16(len(img.Dims))
	for i, d := range img.Dims {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("image dimension %d does not fit a NIfTI header", d)
		}
		hdr.Dim[i+1] = int16(d)
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Four zero bytes declare that no header extensions follow.
	if _, err := w.Write(make([]byte, niftiDataOffset-niftiHeaderSize)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, img.Data)
}

func niftiElemSize(code int16) (int, error) {
	switch code {
	case niftiTypeUint8, niftiTypeInt8:
		return 1, nil
	case niftiTypeInt16, niftiTypeUint16:
		return 2, nil
	case niftiTypeInt32, niftiTypeUint32, niftiTypeFloat32:
		return 4, nil
	case niftiTypeFloat64, niftiTypeInt64, niftiTypeUint64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype code %d", code)
}

// convertElements turns n raw on-disk elements into float64s.
func convertElements(raw []byte, code int16, order binary.ByteOrder, n int) ([]float64, error) {
	out := make([]float64, n)
	switch code {
	case niftiTypeUint8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case niftiTypeInt8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case niftiTypeInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case niftiTypeUint16:
		for i := range out {
			out[i] = float64(order.Uint16(raw[2*i:]))
		}
	case niftiTypeInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case niftiTypeUint32:
		for i := range out {
			out[i] = float64(order.Uint32(raw[4*i:]))
		}
	case niftiTypeFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case niftiTypeInt64:
		for i := range out {
			out[i] = float64(int64(order.Uint64(raw[8*i:])))
		}
	case niftiTypeUint64:
		for i := range out {
			out[i] = float64(order.Uint64(raw[8*i:]))
		}
	case niftiTypeFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", code)
	}
	return out, nil
}
