package rhi

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// UpdateFromImage converts img to the texture format and uploads it into
// array slice 0. The image is scaled to the texture extent when sizes
// differ. With generateMips set, every further mip level is produced by
// bilinear downscaling of the level above and uploaded as well.
//
// Supported formats: RGBA8/BGRA8 (linear and sRGB) and R8.
func (t *Texture) UpdateFromImage(img image.Image, generateMips bool) error {
	if !t.IsValid() {
		return ErrResourceInvalid
	}
	if img == nil || img.Bounds().Empty() {
		return fmt.Errorf("%w: empty image", ErrInvalidDataSize)
	}
	if t.desc.Type == Texture3D || t.desc.SampleCount > 1 {
		return fmt.Errorf("%w: images upload into single-sampled 1D, 2D and cube textures", ErrInvalidUsage)
	}
	switch t.desc.Format {
	case FormatRGBA8Unorm, FormatRGBA8UnormSRGB, FormatBGRA8Unorm, FormatBGRA8UnormSRGB, FormatR8Unorm:
	default:
		return fmt.Errorf("%w: cannot convert images to %s", ErrInvalidFormat, t.desc.Format)
	}

	levels := uint32(1)
	if generateMips {
		levels = t.desc.MipLevels
	}

	var src image.Image = img
	for mip := uint32(0); mip < levels; mip++ {
		w, h, _ := t.desc.MipExtent(mip)
		level := scaleTo(src, int(w), int(h))
		if err := t.UpdateData(t.encodeLevel(level), mip, 0); err != nil {
			return err
		}
		src = level
	}
	return nil
}

// scaleTo returns src as an RGBA image of exactly w x h texels.
func scaleTo(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// encodeLevel packs an RGBA level into the texture format.
func (t *Texture) encodeLevel(level *image.RGBA) []byte {
	b := level.Bounds()
	w, h := b.Dx(), b.Dy()

	switch t.desc.Format {
	case FormatR8Unorm:
		gray := image.NewGray(b)
		draw.Draw(gray, b, level, b.Min, draw.Src)
		out := make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			out = append(out, gray.Pix[y*gray.Stride:y*gray.Stride+w]...)
		}
		return out
	case FormatBGRA8Unorm, FormatBGRA8UnormSRGB:
		out := make([]byte, 0, w*h*4)
		for y := 0; y < h; y++ {
			row := level.Pix[y*level.Stride : y*level.Stride+w*4]
			for x := 0; x < len(row); x += 4 {
				out = append(out, row[x+2], row[x+1], row[x], row[x+3])
			}
		}
		return out
	default:
		out := make([]byte, 0, w*h*4)
		for y := 0; y < h; y++ {
			out = append(out, level.Pix[y*level.Stride:y*level.Stride+w*4]...)
		}
		return out
	}
}
