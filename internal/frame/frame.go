// Package frame holds the pixel buffers handed to the recognition core and the
// geometry helpers used to cut detections out of them.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// DefaultChannels is the channel count of a BGR24 buffer.
const DefaultChannels = 3

var ErrInvalidBuffer = errors.New("invalid pixel buffer")

// Image is a row-major pixel buffer in BGR order (the convention of the
// face models). It implements image.Image so it can be fed to x/image/draw.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// New allocates a zeroed BGR24 image.
func New(width, height int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: DefaultChannels,
		Pix:      make([]byte, width*height*DefaultChannels),
	}
}

// Valid reports whether the buffer can be addressed with its declared geometry.
func (m *Image) Valid() bool {
	if m == nil || m.Width <= 0 || m.Height <= 0 || m.Channels < DefaultChannels {
		return false
	}
	// Divide rather than multiply: client-supplied geometry can overflow int.
	return len(m.Pix)/m.Channels/m.Width >= m.Height
}

func (m *Image) stride() int { return m.Width * m.Channels }

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// At implements image.Image. Out of range points are transparent black.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return color.RGBA{}
	}
	off := y*m.stride() + x*m.Channels
	return color.RGBA{R: m.Pix[off+2], G: m.Pix[off+1], B: m.Pix[off], A: 255}
}

// BoundingBox is a detection rectangle in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Clamp intersects the box with a frame of the given size. The second return
// value is false when nothing of the box is left inside the frame.
func (b BoundingBox) Clamp(frameWidth, frameHeight int) (BoundingBox, bool) {
	if b.Width <= 0 || b.Height <= 0 {
		return BoundingBox{}, false
	}
	r := b.Rect().Intersect(image.Rect(0, 0, frameWidth, frameHeight))
	if r.Empty() {
		return BoundingBox{}, false
	}
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}, true
}

// Crop copies the region under box into a new image. The box must already be
// clamped to the frame.
func (m *Image) Crop(box BoundingBox) (*Image, error) {
	if !m.Valid() {
		return nil, ErrInvalidBuffer
	}
	if box.X < 0 || box.Y < 0 || box.Width <= 0 || box.Height <= 0 ||
		box.X+box.Width > m.Width || box.Y+box.Height > m.Height {
		return nil, fmt.Errorf("crop %+v outside %dx%d frame", box, m.Width, m.Height)
	}

	out := &Image{
		Width:    box.Width,
		Height:   box.Height,
		Channels: m.Channels,
		Pix:      make([]byte, box.Width*box.Height*m.Channels),
	}
	rowLen := box.Width * m.Channels
	for y := 0; y < box.Height; y++ {
		src := (box.Y+y)*m.stride() + box.X*m.Channels
		copy(out.Pix[y*rowLen:(y+1)*rowLen], m.Pix[src:src+rowLen])
	}
	return out, nil
}

// Downscale shrinks the image so that its longest side is at most maxSize,
// keeping the aspect ratio. Images already small enough are returned as is.
func (m *Image) Downscale(maxSize int) *Image {
	if maxSize <= 0 || (m.Width <= maxSize && m.Height <= maxSize) {
		return m
	}
	scale := float64(maxSize) / float64(max(m.Width, m.Height))
	w := max(1, int(float64(m.Width)*scale))
	h := max(1, int(float64(m.Height)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), m, m.Bounds(), draw.Over, nil)
	return FromImage(dst)
}

// FromImage converts any decoded image into a BGR24 buffer.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := New(b.Dx(), b.Dy())

	if rgba, ok := src.(*image.RGBA); ok {
		for y := 0; y < out.Height; y++ {
			srcRow := rgba.Pix[(y+b.Min.Y-rgba.Rect.Min.Y)*rgba.Stride:]
			dstRow := out.Pix[y*out.stride():]
			for x := 0; x < out.Width; x++ {
				s := (x + b.Min.X - rgba.Rect.Min.X) * 4
				d := x * DefaultChannels
				dstRow[d] = srcRow[s+2]
				dstRow[d+1] = srcRow[s+1]
				dstRow[d+2] = srcRow[s]
			}
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := y*out.stride() + x*DefaultChannels
			out.Pix[off] = uint8(bl >> 8)
			out.Pix[off+1] = uint8(g >> 8)
			out.Pix[off+2] = uint8(r >> 8)
		}
	}
	return out
}
