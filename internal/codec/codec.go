// Package codec implements the raster decode/rotate/encode pipeline the
// spec names as an external contract (§6): PNG decode, an optional
// rotation transform, and JPEG encode. PNG/JPEG use the standard
// library -- no ecosystem package improves on it for well-formed
// screenshot/screencast PNGs. The standard JPEG encoder always writes
// 4:2:0 chroma subsampling for color images; it has no 4:4:4 mode.
// Rotation uses golang.org/x/image/draw, a direct teacher dependency.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

// DecodePNG decodes raw PNG bytes into an *image.RGBA, forcing an alpha
// channel regardless of the source color model.
func DecodePNG(data []byte) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: png decode: %w", err)
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba, nil
}

// Rotate applies a rotation to rgba for one of the four axis-aligned
// rotations the DeviceConfig may request, using an affine transform via
// golang.org/x/image/draw. Rotate0 returns src unchanged.
func Rotate(src *image.RGBA, rot types.Rotation) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	var dstW, dstH int
	var m f64.Aff3
	switch rot {
	case types.Rotate0:
		return src
	case types.Rotate90:
		dstW, dstH = h, w
		m = f64.Aff3{0, -1, float64(h), 1, 0, 0}
	case types.Rotate180:
		dstW, dstH = w, h
		m = f64.Aff3{-1, 0, float64(w), 0, -1, float64(h)}
	case types.Rotate270:
		dstW, dstH = h, w
		m = f64.Aff3{0, 1, 0, -1, 0, float64(w)}
	default:
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.NearestNeighbor.Transform(dst, m, src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG444 encodes rgba as a JPEG at quality (1-100). The RGBA is
// first converted to a full-resolution YCbCr444 raster, but the standard
// encoder downsamples chroma to 4:2:0 for every color image whatever the
// input's image.YCbCr.Ratio, so the output is 4:2:0, not 4:4:4.
func EncodeJPEG444(rgba *image.RGBA, quality int) ([]byte, error) {
	ycbcr := toYCbCr444(rgba)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, ycbcr, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("codec: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func toYCbCr444(src *image.RGBA) *image.YCbCr {
	b := src.Bounds()
	dst := image.NewYCbCr(b, image.YCbCrSubsampleRatio444)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			yi := dst.YOffset(x, y)
			ci := dst.COffset(x, y)
			dst.Y[yi] = yy
			dst.Cb[ci] = cb
			dst.Cr[ci] = cr
		}
	}
	return dst
}
