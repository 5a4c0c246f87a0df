package frame

import (
	"image"
	"image/color"
	"testing"
)

func TestBoundingBoxClamp(t *testing.T) {
	tests := []struct {
		name   string
		box    BoundingBox
		want   BoundingBox
		wantOK bool
	}{
		{"inside", BoundingBox{10, 10, 20, 20}, BoundingBox{10, 10, 20, 20}, true},
		{"overflows right and bottom", BoundingBox{90, 40, 30, 30}, BoundingBox{90, 40, 10, 10}, true},
		{"negative origin", BoundingBox{-5, -5, 10, 10}, BoundingBox{0, 0, 5, 5}, true},
		{"zero width", BoundingBox{10, 10, 0, 10}, BoundingBox{}, false},
		{"negative height", BoundingBox{10, 10, 10, -1}, BoundingBox{}, false},
		{"fully outside", BoundingBox{100, 0, 10, 10}, BoundingBox{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.box.Clamp(100, 50)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Clamp() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCrop(t *testing.T) {
	img := New(4, 3)
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}

	region, err := img.Crop(BoundingBox{X: 1, Y: 1, Width: 2, Height: 2})
	if err != nil {
		t.Fatalf("Crop() error = %v", err)
	}
	if region.Width != 2 || region.Height != 2 || len(region.Pix) != 12 {
		t.Fatalf("region = %dx%d (%d bytes)", region.Width, region.Height, len(region.Pix))
	}

	// Row 1 starts at byte 12, column 1 at +3.
	want := []byte{15, 16, 17, 18, 19, 20, 27, 28, 29, 30, 31, 32}
	for i, b := range want {
		if region.Pix[i] != b {
			t.Fatalf("Pix[%d] = %d, want %d", i, region.Pix[i], b)
		}
	}

	// The region is a copy.
	region.Pix[0] = 0
	if img.Pix[15] != 15 {
		t.Error("Crop shares memory with the source frame")
	}
}

func TestCrop_Errors(t *testing.T) {
	img := New(4, 3)
	if _, err := img.Crop(BoundingBox{X: 3, Y: 0, Width: 2, Height: 1}); err == nil {
		t.Error("expected error for region past the right edge")
	}
	bad := &Image{Width: 4, Height: 3, Channels: 3, Pix: make([]byte, 10)}
	if _, err := bad.Crop(BoundingBox{Width: 1, Height: 1}); err != ErrInvalidBuffer {
		t.Errorf("error = %v, want ErrInvalidBuffer", err)
	}
}

func TestValid(t *testing.T) {
	var nilImg *Image
	if nilImg.Valid() {
		t.Error("nil image reported valid")
	}

	tests := []struct {
		name string
		img  *Image
		want bool
	}{
		{"New", New(2, 2), true},
		{"Larger buffer", &Image{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 20)}, true},
		{"Four channels", &Image{Width: 2, Height: 2, Channels: 4, Pix: make([]byte, 16)}, true},
		{"Single channel", &Image{Width: 2, Height: 2, Channels: 1, Pix: make([]byte, 4)}, false},
		{"Short buffer", &Image{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 11)}, false},
		{"Zero width", &Image{Width: 0, Height: 2, Channels: 3, Pix: make([]byte, 12)}, false},
		{"Negative height", &Image{Width: 2, Height: -2, Channels: 3, Pix: make([]byte, 12)}, false},
		{"Width overflows", &Image{Width: 1 << 62, Height: 4, Channels: 3}, false},
		{"Height overflows", &Image{Width: 4, Height: 1 << 62, Channels: 3, Pix: make([]byte, 48)}, false},
		{"Channels overflow", &Image{Width: 4, Height: 4, Channels: 1 << 61, Pix: make([]byte, 48)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.img.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownscale(t *testing.T) {
	img := New(1200, 600)
	small := img.Downscale(600)
	if small.Width != 600 || small.Height != 300 {
		t.Errorf("Downscale(600) = %dx%d, want 600x300", small.Width, small.Height)
	}
	if !small.Valid() {
		t.Error("downscaled image is not valid")
	}

	same := New(100, 80)
	if same.Downscale(600) != same {
		t.Error("small image should be returned unchanged")
	}
	if img.Downscale(0) != img {
		t.Error("maxSize 0 should disable scaling")
	}
}

func TestFromImage_ChannelOrder(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	src.Set(1, 0, color.RGBA{R: 40, G: 50, B: 60, A: 255})

	got := FromImage(src)
	want := []byte{30, 20, 10, 60, 50, 40}
	for i, b := range want {
		if got.Pix[i] != b {
			t.Fatalf("Pix = %v, want %v", got.Pix, want)
		}
	}

	// At round-trips back to RGB.
	r, g, b, _ := got.At(1, 0).RGBA()
	if r>>8 != 40 || g>>8 != 50 || b>>8 != 60 {
		t.Errorf("At(1,0) = %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestFromImage_Generic(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 1, 1))
	src.SetGray(0, 0, color.Gray{Y: 200})

	got := FromImage(src)
	if got.Pix[0] != 200 || got.Pix[1] != 200 || got.Pix[2] != 200 {
		t.Errorf("Pix = %v, want [200 200 200]", got.Pix)
	}
}
