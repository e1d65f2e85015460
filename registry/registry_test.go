package registry

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"gopkg.in/yaml.v3"
)

func TestRegister_ValidatesFormats(t *testing.T) {
	r := New()
	r.RegisterFormat(Format{Name: "pdf", Input: true, Output: true})
	r.RegisterFormat(Format{Name: "txt", Input: true, Output: false})

	noop := ConverterFunc(func(context.Context, []byte, string, string, map[string]any) ([]byte, error) {
		return nil, nil
	})

	if err := r.Register("pdf", "txt", noop); err == nil {
		t.Error("expected error for output-incapable target")
	}
	if err := r.Register("xyz", "pdf", noop); err == nil {
		t.Error("expected error for unregistered source")
	}
	if err := r.Register("pdf", "pdf", noop); err == nil {
		t.Error("expected error for identical formats")
	}
	if err := r.Register("txt", "pdf", nil); err == nil {
		t.Error("expected error for nil converter")
	}
	if err := r.Register(".TXT", "PDF", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Supports("txt", "pdf") {
		t.Error("txt->pdf should be supported after normalization")
	}
	if r.Supports("pdf", "txt") {
		t.Error("pdf->txt was never registered")
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{".JPEG": "jpg", "Yml": "yaml", " pdf ": "pdf", "tif": "tiff", "htm": "html"}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConvert_UnsupportedPair(t *testing.T) {
	r := NewDefault()
	_, err := r.Convert(context.Background(), []byte("x"), "pdf", "png", nil)
	if !errors.Is(err, ErrUnsupportedPair) {
		t.Fatalf("err = %v, want ErrUnsupportedPair", err)
	}
}

func TestNewDefault_Catalogue(t *testing.T) {
	r := NewDefault()
	if r.IsRegistered("xyz") {
		t.Error("xyz must not be registered")
	}
	for _, p := range [][2]string{{"png", "jpg"}, {"webp", "png"}, {"json", "yaml"}, {"yml", "json"}} {
		if !r.Supports(p[0], p[1]) {
			t.Errorf("%s->%s should be supported", p[0], p[1])
		}
	}
	if got := r.ContentType("jpeg"); got != "image/jpeg" {
		t.Errorf("ContentType(jpeg) = %q", got)
	}
	pairs := r.Pairs()
	if len(pairs) != len(ImageFormats)*(len(ImageFormats)-1)+2 {
		t.Errorf("unexpected pair count %d", len(pairs))
	}
}

func TestCategories(t *testing.T) {
	r := NewDefault()
	want := []string{"data", "document", "image", "presentation", "spreadsheet"}
	got := r.Categories()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Categories() = %v, want %v", got, want)
	}

	groups := r.ByCategory()
	if len(groups) != len(want) {
		t.Fatalf("ByCategory() has %d groups, want %d", len(groups), len(want))
	}
	if n := len(groups["image"]); n != len(ImageFormats) {
		t.Errorf("image group has %d formats, want %d", n, len(ImageFormats))
	}
	for cat, formats := range groups {
		for _, f := range formats {
			if f.Category != cat {
				t.Errorf("%s listed under %s", f.Name, cat)
			}
		}
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestImageConverter_PNGToJPGWithResize(t *testing.T) {
	input := testPNG(t, 64, 32)

	var reported []int
	ctx := WithProgress(context.Background(), func(pct int) { reported = append(reported, pct) })

	out, err := ImageConverter{}.Convert(ctx, input, "png", "jpg", map[string]any{"width": float64(32), "quality": 70})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Errorf("output size = %dx%d, want 32x16", b.Dx(), b.Dy())
	}
	if len(reported) == 0 || reported[len(reported)-1] != 100 {
		t.Errorf("progress reports = %v", reported)
	}
}

func TestImageConverter_WebPRoundTrip(t *testing.T) {
	input := testPNG(t, 8, 8)

	webpBytes, err := ImageConverter{}.Convert(context.Background(), input, "png", "webp", nil)
	if err != nil {
		t.Fatalf("png->webp: %v", err)
	}
	pngBytes, err := ImageConverter{}.Convert(context.Background(), webpBytes, "webp", "png", nil)
	if err != nil {
		t.Fatalf("webp->png: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(pngBytes)); err != nil {
		t.Fatalf("output is not png: %v", err)
	}
}

func TestImageConverter_CorruptInput(t *testing.T) {
	_, err := ImageConverter{}.Convert(context.Background(), []byte("not an image"), "png", "jpg", nil)
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDataConverter(t *testing.T) {
	out, err := DataConverter{}.Convert(context.Background(), []byte(`{"name":"report","pages":3}`), "json", "yaml", nil)
	if err != nil {
		t.Fatalf("json->yaml: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output is not yaml: %v", err)
	}
	if doc["name"] != "report" || doc["pages"] != 3 {
		t.Errorf("doc = %v", doc)
	}

	back, err := DataConverter{}.Convert(context.Background(), []byte("items:\n  - a\n  - b\n"), "yaml", "json", nil)
	if err != nil {
		t.Fatalf("yaml->json: %v", err)
	}
	if !strings.Contains(string(back), `"items":["a","b"]`) {
		t.Errorf("json = %s", back)
	}

	if _, err := (DataConverter{}).Convert(context.Background(), []byte("{"), "json", "yaml", nil); err == nil {
		t.Error("expected parse error")
	}
}
