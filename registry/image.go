package registry

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const defaultQuality = 90

// ImageConverter converts between raster formats. Options: "width" and
// "height" fit the image inside the box, "quality" (1-100) for lossy outputs.
type ImageConverter struct{}

func (ImageConverter) Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error) {
	img, err := decodeImage(input, from)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s image: %w", from, err)
	}
	ReportProgress(ctx, 40)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height := optInt(opts, "width", 0), optInt(opts, "height", 0)
	if width > 0 || height > 0 {
		img = resize(img, width, height)
	}
	ReportProgress(ctx, 60)

	quality := optInt(opts, "quality", defaultQuality)
	if quality < 1 || quality > 100 {
		quality = defaultQuality
	}

	var buf bytes.Buffer
	if err := encodeImage(&buf, img, to, quality); err != nil {
		return nil, fmt.Errorf("error encoding to %s: %w", to, err)
	}
	ReportProgress(ctx, 100)
	return buf.Bytes(), nil
}

func decodeImage(input []byte, format string) (image.Image, error) {
	if format == "webp" {
		return webp.Decode(bytes.NewReader(input))
	}
	return imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
}

func encodeImage(buf *bytes.Buffer, img image.Image, format string, quality int) error {
	switch format {
	case "jpg":
		return imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		return imaging.Encode(buf, img, imaging.PNG)
	case "gif":
		return imaging.Encode(buf, img, imaging.GIF)
	case "bmp":
		return imaging.Encode(buf, img, imaging.BMP)
	case "tiff":
		return imaging.Encode(buf, img, imaging.TIFF)
	case "webp":
		return webp.Encode(buf, img, &webp.Options{Quality: float32(quality)})
	}
	return fmt.Errorf("%w: image output %s", ErrUnsupportedPair, format)
}

// resize fits the image into the requested box, keeping aspect ratio. A zero
// side is unconstrained. Images already inside the box are left alone.
func resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}
	if b.Dx() <= width && b.Dy() <= height {
		return img
	}
	return imaging.Fit(img, width, height, imaging.Lanczos)
}

func optInt(opts map[string]any, key string, def int) int {
	v, ok := opts[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}
