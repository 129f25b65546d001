package dicomio

import (
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	MRImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
)

// EncodeOptions carries the descriptive attributes written alongside the
// pixel data. Zero values get sensible defaults.
type EncodeOptions struct {
	PatientID         string
	PatientName       string
	Modality          string
	SeriesDescription string
	BitsStored        int
	InstanceNumber    int
	// Signed writes two's-complement samples with pixel representation 1.
	Signed bool
}

// Encode writes slices as a single- or multi-frame 16-bit MONOCHROME2 file
// in explicit VR little endian. Intensities are clamped into the unsigned,
// or with Signed the two's-complement, range given by BitsStored; they are
// not rescaled.
func Encode(w io.Writer, slices []RawSlice, opts EncodeOptions) error {
	if len(slices) == 0 {
		return fmt.Errorf("encode: no slices")
	}
	rows, cols := slices[0].Rows, slices[0].Cols
	for _, s := range slices {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if s.Rows != rows || s.Cols != cols {
			return fmt.Errorf("encode: slice %d is %dx%d, want %dx%d", s.Index, s.Rows, s.Cols, rows, cols)
		}
	}

	bitsStored := opts.BitsStored
	if bitsStored <= 0 || bitsStored > 16 {
		bitsStored = 16
	}
	if opts.Modality == "" {
		opts.Modality = "MR"
	}
	if opts.InstanceNumber <= 0 {
		opts.InstanceNumber = 1
	}
	minVal, maxVal := 0.0, float64(int(1)<<bitsStored-1)
	pixelRepresentation := 0
	if opts.Signed {
		minVal, maxVal = -float64(int(1)<<(bitsStored-1)), float64(int(1)<<(bitsStored-1)-1)
		pixelRepresentation = 1
	}

	frames := make([]*frame.Frame, 0, len(slices))
	for _, s := range slices {
		nf := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
		for i, v := range s.Pix {
			v = math.Max(minVal, math.Min(maxVal, math.Round(v)))
			if opts.Signed {
				nf.RawData[i] = uint16(int16(v))
			} else {
				nf.RawData[i] = uint16(v)
			}
		}
		frames = append(frames, &frame.Frame{Encapsulated: false, NativeData: nf})
	}

	sopInstanceUID := newUID()
	elems := []struct {
		t tag.Tag
		v any
	}{
		{tag.MediaStorageSOPClassUID, []string{MRImageStorage}},
		{tag.MediaStorageSOPInstanceUID, []string{sopInstanceUID}},
		{tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}},
		{tag.SOPClassUID, []string{MRImageStorage}},
		{tag.SOPInstanceUID, []string{sopInstanceUID}},
		{tag.StudyInstanceUID, []string{newUID()}},
		{tag.SeriesInstanceUID, []string{newUID()}},
		{tag.PatientID, []string{opts.PatientID}},
		{tag.PatientName, []string{opts.PatientName}},
		{tag.Modality, []string{opts.Modality}},
		{tag.SeriesDescription, []string{opts.SeriesDescription}},
		{tag.InstanceNumber, []string{strconv.Itoa(opts.InstanceNumber)}},
		{tag.NumberOfFrames, []string{strconv.Itoa(len(frames))}},
		{tag.Rows, []int{rows}},
		{tag.Columns, []int{cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{bitsStored}},
		{tag.HighBit, []int{bitsStored - 1}},
		{tag.PixelRepresentation, []int{pixelRepresentation}},
		{tag.SamplesPerPixel, []int{1}},
		{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
		{tag.PixelData, dicom.PixelDataInfo{Frames: frames}},
	}

	ds := dicom.Dataset{Elements: make([]*dicom.Element, 0, len(elems))}
	for _, e := range elems {
		elem, err := dicom.NewElement(e.t, e.v)
		if err != nil {
			return fmt.Errorf("encode: build element %s: %w", e.t, err)
		}
		ds.Elements = append(ds.Elements, elem)
	}
	return dicom.Write(w, ds)
}

// newUID derives a DICOM UID under the 2.25 root, which takes the UUID as
// a single 128-bit decimal integer.
func newUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}
