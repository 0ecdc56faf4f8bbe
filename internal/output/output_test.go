package output

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want Format
	}{
		{"png", FormatPNG},
		{"PNG", FormatPNG},
		{"", FormatPNG},
		{"jpg", FormatJPEG},
		{"jpeg", FormatJPEG},
		{" JPEG ", FormatJPEG},
		{"ppm", FormatPPM},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFormat(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseFormat("webp"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestWritePNGRoundtrips(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.SetRGBA(3, 1, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff})

	var buf bytes.Buffer
	if err := Write(&buf, FormatPNG, img); err != nil {
		t.Fatalf("Write: %v", err)
	}

	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decoding written png: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Fatalf("decoded %dx%d, want 4x2", b.Dx(), b.Dy())
	}
}

func TestWritePPM(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0xff})
	img.SetRGBA(1, 0, color.RGBA{R: 0x44, G: 0x55, B: 0x66, A: 0x80})

	var buf bytes.Buffer
	if err := Write(&buf, FormatPPM, img); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := append([]byte("P6\n2 1\n255\n"), 0x11, 0x22, 0x33, 0x44, 0x55, 0x66)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("ppm bytes = %q, want %q", buf.Bytes(), want)
	}
}

func TestFormatExt(t *testing.T) {
	if FormatPNG.Ext() != "png" || FormatJPEG.Ext() != "jpg" || FormatPPM.Ext() != "ppm" {
		t.Fatalf("unexpected extensions: %s %s %s", FormatPNG.Ext(), FormatJPEG.Ext(), FormatPPM.Ext())
	}
}
