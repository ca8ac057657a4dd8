package covers

import (
	"bytes"
	"image"
	"image/color"
	"strings"

	// Decoders for the formats ePub covers come in.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MediaType is the content type of every stored cover.
const MediaType = "image/webp"

// ErrUnsupportedImage is returned for cover bytes that aren't a decodable
// raster image.
var ErrUnsupportedImage = errors.New("unsupported cover image")

// Transcode normalizes a raw cover: transparent areas are flattened onto
// white, the image is scaled down (never up) to at most maxHeight pixels
// tall, and the result is re-encoded as lossy WebP at the given quality.
// Encoding from decoded pixels drops any embedded metadata or ICC profile.
func Transcode(raw []byte, maxHeight int, quality int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.WithStack(ErrUnsupportedImage)
	}
	if mt := mimetype.Detect(raw); !strings.HasPrefix(mt.String(), "image/") {
		return nil, errors.Wrapf(ErrUnsupportedImage, "detected %s", mt.String())
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedImage, err.Error())
	}

	srcBounds := src.Bounds()
	if srcBounds.Empty() {
		return nil, errors.Wrapf(ErrUnsupportedImage, "empty %s image", format)
	}

	width, height := targetSize(srcBounds.Dx(), srcBounds.Dy(), maxHeight)
	dst := canvas(src.ColorModel(), width, height)

	if width == srcBounds.Dx() && height == srcBounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, srcBounds.Min, draw.Over)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, dst, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// targetSize keeps the aspect ratio and only ever shrinks.
func targetSize(width, height, maxHeight int) (int, int) {
	if maxHeight <= 0 || height <= maxHeight {
		return width, height
	}
	scaled := (width*maxHeight + height/2) / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxHeight
}

// canvas returns an opaque white image to composite the source onto.
// Greyscale sources stay greyscale; everything else, CMYK included, ends up
// as RGB.
func canvas(model color.Model, width, height int) draw.Image {
	rect := image.Rect(0, 0, width, height)

	var dst draw.Image
	switch model {
	case color.GrayModel, color.Gray16Model:
		dst = image.NewGray(rect)
	default:
		dst = image.NewRGBA(rect)
	}
	draw.Draw(dst, rect, image.White, image.Point{}, draw.Src)
	return dst
}
