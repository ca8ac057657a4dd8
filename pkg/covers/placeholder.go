package covers

import (
	"bytes"
	"image"
	"image/color"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

var (
	placeholderFill   = color.RGBA{R: 0xd9, G: 0xd4, B: 0xcc, A: 0xff}
	placeholderSpine  = color.RGBA{R: 0xb8, G: 0xb0, B: 0xa4, A: 0xff}
	placeholderAspect = 2.0 / 3.0
)

// Placeholder renders the cover served for books without one: a plain 2:3
// card with a darker spine, height pixels tall.
func Placeholder(height, quality int) ([]byte, error) {
	if height <= 0 {
		height = 300
	}
	width := int(float64(height) * placeholderAspect)
	rect := image.Rect(0, 0, width, height)

	img := image.NewRGBA(rect)
	draw.Draw(img, rect, image.NewUniform(placeholderFill), image.Point{}, draw.Src)
	spine := image.Rect(0, 0, max(1, width/12), height)
	draw.Draw(img, spine, image.NewUniform(placeholderSpine), image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}
