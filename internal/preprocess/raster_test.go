package preprocess

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func syntheticFrame(width, height int) []int {
	raw := make([]int, width*height)
	for i := range raw {
		// A 12-bit-style gradient with a few outliers for the clipping
		// path to remove.
		raw[i] = (i * 4095) / len(raw)
	}
	raw[0] = 60000
	raw[len(raw)-1] = -5
	return raw
}

func TestNormalizeOutputRange(t *testing.T) {
	img := normalize(syntheticFrame(64, 64), 64, 64)

	if img.Rect.Dx() != 64 || img.Rect.Dy() != 64 {
		t.Fatalf("unexpected bounds: %v", img.Rect)
	}

	var lo, hi uint8 = 255, 0
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo != 0 || hi != 255 {
		t.Fatalf("normalized range [%d,%d], want [0,255]", lo, hi)
	}
}

func TestNormalizeFlatFrame(t *testing.T) {
	raw := make([]int, 16*16)
	for i := range raw {
		raw[i] = 1000
	}

	img := normalize(raw, 16, 16)
	for _, v := range img.Pix {
		if v != 0 {
			t.Fatalf("flat frame should normalize to zero, got %d", v)
		}
	}
}

func TestApplyGammaBrightensDarkImages(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 64
	}

	gamma := autoGamma(img)
	if gamma <= 1.0 {
		t.Fatalf("gamma = %f, want > 1 for a dark image", gamma)
	}

	out := applyGamma(img, gamma)
	if out.Pix[0] <= 64 || out.Pix[0] > 128 {
		t.Fatalf("median mapped to %d, want brightened toward mid-gray", out.Pix[0])
	}
}

func TestApplyGammaIdentityForBalancedImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	if gamma := autoGamma(img); gamma < 0.95 || gamma > 1.05 {
		t.Fatalf("gamma = %f, want about 1.0", gamma)
	}
}

func TestEncodeBoundedDownscales(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1000, 800))
	data, err := encodeBounded(img, 500)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	b := decoded.Bounds()
	if b.Dx() != 500 || b.Dy() != 400 {
		t.Fatalf("bounds = %dx%d, want 500x400", b.Dx(), b.Dy())
	}
}

func TestEncodeBoundedKeepsSmallImages(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 300, 200))
	data, err := encodeBounded(img, 500)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	b := decoded.Bounds()
	if b.Dx() != 300 || b.Dy() != 200 {
		t.Fatalf("bounds = %dx%d, want 300x200", b.Dx(), b.Dy())
	}
}

func TestRasterPipelineIsDeterministic(t *testing.T) {
	render := func() []byte {
		gray := normalize(syntheticFrame(128, 96), 128, 96)
		gray = applyGamma(gray, autoGamma(gray))
		data, err := encodeBounded(gray, 64)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		return data
	}

	first := render()
	for i := 0; i < 3; i++ {
		if !bytes.Equal(first, render()) {
			t.Fatalf("run %d produced different bytes", i+1)
		}
	}
}
