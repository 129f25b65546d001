// Package dicomio turns DICOM byte buffers into RawSlice grids and writes
// RawSlice grids back out as DICOM files.
package dicomio

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
)

const op = "decode"

// Decode parses data into one RawSlice per frame, ordered by frame index.
func Decode(data []byte) ([]RawSlice, error) {
	slices, _, err := DecodeWithInfo(data)
	return slices, err
}

// DecodeWithInfo is Decode plus a summary of the header attributes that
// drove the decode.
func DecodeWithInfo(data []byte) ([]RawSlice, Info, error) {
	if len(data) == 0 {
		return nil, Info{}, apperr.New(apperr.KindDecode, op, "Invalid DICOM file: empty buffer")
	}

	ds, forced, err := parse(data)
	if err != nil {
		return nil, Info{}, apperr.Wrap(apperr.KindDecode, op, err, "Invalid DICOM file")
	}

	info := readInfo(ds)
	info.Forced = forced

	if info.PhotometricInterpretation != "" && !strings.HasPrefix(info.PhotometricInterpretation, "MONOCHROME") {
		return nil, info, apperr.New(apperr.KindShape, op,
			"Unexpected DICOM pixel layout: photometric interpretation %s", info.PhotometricInterpretation)
	}

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, info, apperr.Wrap(apperr.KindDecode, op, err, "Invalid DICOM file: no pixel data")
	}
	pixelInfo, ok := pixelElem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, info, apperr.New(apperr.KindDecode, op, "Invalid DICOM file: unreadable pixel data")
	}
	if pixelInfo.IsEncapsulated {
		return nil, info, apperr.New(apperr.KindDecode, op,
			"Unsupported DICOM transfer syntax %s: compressed pixel data", info.TransferSyntaxUID)
	}
	if len(pixelInfo.Frames) == 0 {
		return nil, info, apperr.New(apperr.KindDecode, op, "Invalid DICOM file: pixel data has no frames")
	}
	info.Frames = len(pixelInfo.Frames)

	if info.Rows <= 0 || info.Cols <= 0 {
		return nil, info, apperr.New(apperr.KindShape, op,
			"Unexpected DICOM shape: %dx%d", info.Rows, info.Cols)
	}

	slices := make([]RawSlice, 0, len(pixelInfo.Frames))
	for i, fr := range pixelInfo.Frames {
		pix, err := frameSamples(fr, info)
		if err != nil {
			return nil, info, apperr.Wrap(apperr.KindShape, op, err, "Unexpected DICOM shape in frame %d", i)
		}
		s := RawSlice{
			Index:               i,
			Rows:                info.Rows,
			Cols:                info.Cols,
			Pix:                 pix,
			BitsAllocated:       info.BitsAllocated,
			BitsStored:          info.BitsStored,
			PixelRepresentation: info.PixelRepresentation,
		}
		if err := s.Validate(); err != nil {
			return nil, info, apperr.Wrap(apperr.KindShape, op, err, "Unexpected DICOM shape in frame %d", i)
		}
		slices = append(slices, s)
	}
	return slices, info, nil
}

const (
	preambleLen = 128
	magicWord   = "DICM"
)

// parse tries a strict read first and then a tolerant one, in the way
// synthetic files need: a missing (0002,0000) group length, or a magic word
// without the preamble in front of it. Files with no meta header at all are
// read by the strict pass in its compatibility mode. The bool reports
// whether any of this was needed.
func parse(data []byte) (dicom.Dataset, bool, error) {
	ds, err := read(data)
	if err == nil {
		return ds, !hasPreamble(data), nil
	}
	candidates := [][]byte{data}
	if bytes.HasPrefix(data, []byte(magicWord)) {
		candidates = append(candidates, append(make([]byte, preambleLen), data...))
	}
	for _, c := range candidates {
		forced, ferr := read(c, dicom.AllowMissingMetaElementGroupLength())
		if ferr != nil {
			continue
		}
		if _, perr := forced.FindElementByTag(tag.PixelData); perr == nil {
			return forced, true, nil
		}
	}
	return dicom.Dataset{}, false, err
}

func read(data []byte, opts ...dicom.ParseOption) (dicom.Dataset, error) {
	opts = append(opts, dicom.AllowMismatchPixelDataLength())
	return dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, opts...)
}

func hasPreamble(data []byte) bool {
	return len(data) >= preambleLen+len(magicWord) &&
		string(data[preambleLen:preambleLen+len(magicWord)]) == magicWord
}

func readInfo(ds dicom.Dataset) Info {
	info := Info{
		Rows:                      intTag(ds, tag.Rows, 0),
		Cols:                      intTag(ds, tag.Columns, 0),
		BitsAllocated:             intTag(ds, tag.BitsAllocated, 16),
		PixelRepresentation:       intTag(ds, tag.PixelRepresentation, 0),
		PhotometricInterpretation: stringTag(ds, tag.PhotometricInterpretation),
		TransferSyntaxUID:         stringTag(ds, tag.TransferSyntaxUID),
		Modality:                  stringTag(ds, tag.Modality),
	}
	info.BitsStored = intTag(ds, tag.BitsStored, info.BitsAllocated)
	return info
}

func intTag(ds dicom.Dataset, t tag.Tag, fallback int) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return fallback
	}
	if vals, ok := elem.Value.GetValue().([]int); ok && len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

func stringTag(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

type sample interface {
	~uint8 | ~uint16 | ~uint32 | ~int8 | ~int16 | ~int32
}

func frameSamples(fr *frame.Frame, info Info) ([]float64, error) {
	if fr == nil || fr.Encapsulated {
		return nil, fmt.Errorf("frame is not native pixel data")
	}
	n := info.Rows * info.Cols
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		return convert(nf.RawData, n, info)
	case *frame.NativeFrame[uint16]:
		return convert(nf.RawData, n, info)
	case *frame.NativeFrame[uint32]:
		return convert(nf.RawData, n, info)
	case *frame.NativeFrame[int8]:
		return convert(nf.RawData, n, info)
	case *frame.NativeFrame[int16]:
		return convert(nf.RawData, n, info)
	case *frame.NativeFrame[int32]:
		return convert(nf.RawData, n, info)
	default:
		return nil, fmt.Errorf("unsupported native frame type %T", fr.NativeData)
	}
}

// convert widens raw samples to float64. Exactly one sample per pixel is
// accepted: a multi-sample pixel would make the grid rank 3 per frame.
func convert[T sample](raw []T, n int, info Info) ([]float64, error) {
	if len(raw) != n {
		if n > 0 && len(raw)%n == 0 {
			return nil, fmt.Errorf("pixel grid has %d samples per pixel, want 1", len(raw)/n)
		}
		return nil, fmt.Errorf("frame has %d samples, want %d", len(raw), n)
	}
	out := make([]float64, n)
	signed := info.PixelRepresentation == 1
	bits := info.BitsStored
	if bits <= 0 || bits > 32 {
		bits = info.BitsAllocated
	}
	for i, v := range raw {
		if signed {
			out[i] = float64(signExtend(int64(v), bits))
		} else {
			out[i] = float64(v)
		}
	}
	return out, nil
}

// signExtend interprets the low bits of v as a two's-complement value.
// Values that are already negative are returned unchanged.
func signExtend(v int64, bits int) int64 {
	if v < 0 || bits <= 0 || bits >= 64 {
		return v
	}
	mask := int64(1)<<bits - 1
	v &= mask
	if v&(int64(1)<<(bits-1)) != 0 {
		v -= int64(1) << bits
	}
	return v
}
