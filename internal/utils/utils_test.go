package utils

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"25", 25, false},
		{"25/1", 25, false},
		{"30000/1001", 29.97, false},
		{"0/0", 0, true},
		{"N/A", 0, true},
		{"30/x", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if math.Abs(got-tt.want) > 0.01 {
			t.Errorf("ParseFrameRate(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestReadRawFrame(t *testing.T) {
	// Two full 2-byte frames and a dangling byte
	stream := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	buf := make([]byte, 2)

	for i, want := range [][]byte{{1, 2}, {3, 4}} {
		if err := ReadRawFrame(stream, buf); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(buf, want) {
			t.Errorf("frame %d = %v, want %v", i, buf, want)
		}
	}

	err := ReadRawFrame(stream, buf)
	if err == nil || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected truncated frame error, got %v", err)
	}
	if err := ReadRawFrame(stream, buf); err != io.EOF {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Stderr = %q, want %q", got, "boom\n")
	}
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}
