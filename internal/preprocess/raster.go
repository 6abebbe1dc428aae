package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrNoPixelData marks an instance without image content. The pipeline
// treats it as a data error, not a processing failure.
var ErrNoPixelData = errors.New("dicom file has no pixel data")

// Metadata is the identifying information extracted alongside the raster.
type Metadata struct {
	SOPInstanceUID string
	StudyUID       string
	SeriesUID      string
	PatientName    string
	PatientID      string
	PatientAge     string
	PatientSex     string
	StudyDate      string
	StudyTime      string
	Protocol       string
	Modality       string
	Accession      string
}

// Processor converts raw DICOM payloads into analysis-ready PNG rasters.
// It is pure: identical input and configuration always produce identical
// bytes.
type Processor struct {
	maxSize int
}

func NewProcessor(maxSize int) *Processor {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &Processor{maxSize: maxSize}
}

func elementString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	if ss, ok := el.Value.GetValue().([]string); ok && len(ss) > 0 {
		return ss[0]
	}
	return ""
}

// ExtractMetadata parses only the identifying elements of a stored file.
func (p *Processor) ExtractMetadata(path string) (*Metadata, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dicom file: %w", err)
	}
	return metadataFrom(ds), nil
}

func metadataFrom(ds dicom.Dataset) *Metadata {
	protocol := elementString(ds, tag.ProtocolName)
	if protocol == "" {
		protocol = elementString(ds, tag.StudyDescription)
	}
	return &Metadata{
		SOPInstanceUID: elementString(ds, tag.SOPInstanceUID),
		StudyUID:       elementString(ds, tag.StudyInstanceUID),
		SeriesUID:      elementString(ds, tag.SeriesInstanceUID),
		PatientName:    elementString(ds, tag.PatientName),
		PatientID:      elementString(ds, tag.PatientID),
		PatientAge:     elementString(ds, tag.PatientAge),
		PatientSex:     elementString(ds, tag.PatientSex),
		StudyDate:      elementString(ds, tag.StudyDate),
		StudyTime:      elementString(ds, tag.StudyTime),
		Protocol:       protocol,
		Modality:       elementString(ds, tag.Modality),
		Accession:      elementString(ds, tag.AccessionNumber),
	}
}

// Render converts a stored DICOM file into a normalized PNG and returns it
// with the extracted metadata.
func (p *Processor) Render(path string) ([]byte, *Metadata, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse dicom file: %w", err)
	}
	meta := metadataFrom(ds)

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, meta, ErrNoPixelData
	}

	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, meta, ErrNoPixelData
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, meta, fmt.Errorf("failed to decode pixel data: %w", err)
	}
	if native.Rows == 0 || native.Cols == 0 || len(native.Data) == 0 {
		return nil, meta, ErrNoPixelData
	}

	raw := make([]int, 0, native.Rows*native.Cols)
	for _, samples := range native.Data {
		if len(samples) > 0 {
			raw = append(raw, samples[0])
		}
	}
	if len(raw) != native.Rows*native.Cols {
		return nil, meta, fmt.Errorf("pixel data size mismatch: got %d, want %d", len(raw), native.Rows*native.Cols)
	}

	gray := normalize(raw, native.Cols, native.Rows)
	gray = applyGamma(gray, autoGamma(gray))

	png, err := encodeBounded(gray, p.maxSize)
	if err != nil {
		return nil, meta, err
	}
	return png, meta, nil
}

// normalize clips raw intensities at the 1st/99th percentile and rescales
// the remaining range to 8 bits.
func normalize(raw []int, width, height int) *image.Gray {
	sorted := make([]int, len(raw))
	copy(sorted, raw)
	sort.Ints(sorted)

	lo := sorted[len(sorted)/100]
	hi := sorted[len(sorted)-1-len(sorted)/100]
	if hi <= lo {
		lo = sorted[0]
		hi = sorted[len(sorted)-1]
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	span := float64(hi - lo)
	for i, v := range raw {
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		var val uint8
		if span > 0 {
			val = uint8(math.Round(float64(v-lo) / span * 255.0))
		}
		img.Pix[i] = val
	}
	return img
}

// autoGamma derives a contrast-correction exponent that maps the median
// intensity toward mid-gray.
func autoGamma(img *image.Gray) float64 {
	sorted := make([]byte, len(img.Pix))
	copy(sorted, img.Pix)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := float64(sorted[len(sorted)/2])
	if median <= 1 || median >= 254 {
		return 1.0
	}
	return math.Log(0.5*255.0) / math.Log(median)
}

func applyGamma(img *image.Gray, gamma float64) *image.Gray {
	if gamma <= 0 {
		gamma = 1.0
	}
	inv := 1.0 / gamma
	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(math.Round(math.Pow(float64(i)/255.0, inv) * 255.0))
	}
	out := image.NewGray(img.Rect)
	for i, v := range img.Pix {
		out.Pix[i] = lut[v]
	}
	return out
}

// encodeBounded scales the raster down to the maximum dimension while
// keeping the aspect ratio, then encodes PNG bytes.
func encodeBounded(img *image.Gray, maxSize int) ([]byte, error) {
	width := img.Rect.Dx()
	height := img.Rect.Dy()

	newW, newH := width, height
	if width > maxSize || height > maxSize {
		if height > width {
			newH = maxSize
			newW = int(float64(width) * float64(maxSize) / float64(height))
		} else {
			newW = maxSize
			newH = int(float64(height) * float64(maxSize) / float64(width))
		}
		if newW < 1 {
			newW = 1
		}
		if newH < 1 {
			newH = 1
		}
	}

	dc := gg.NewContext(newW, newH)
	dc.Scale(float64(newW)/float64(width), float64(newH)/float64(height))
	dc.DrawImage(img, 0, 0)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
