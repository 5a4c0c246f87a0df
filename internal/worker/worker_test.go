package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/andresmejia3/facetag/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeReply frames payload the way the Python side does.
func writeReply(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestProcessFrame(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()

	// Protocol: [Status:0] [NumFaces:1] [Box] [Vec] [Score]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 12, 20, 24})
	vec := [types.EmbeddingDim]float32{}
	vec[0] = 0.5
	binary.Write(payload, binary.BigEndian, vec)
	binary.Write(payload, binary.BigEndian, float32(0.99))
	writeReply(dataPipeMock, payload.Bytes())

	pix := make([]byte, 2*3*3) // 2 rows, 3 cols, BGR
	faces, err := w.ProcessFrame(2, 3, 3, pix)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify the request header
	sent := stdinMock.Bytes()
	if len(sent) != 16+len(pix) {
		t.Fatalf("Expected %d bytes sent, got %d", 16+len(pix), len(sent))
	}
	var header [4]uint32
	binary.Read(bytes.NewReader(sent[:16]), binary.BigEndian, &header)
	if header != [4]uint32{uint32(12 + len(pix)), 2, 3, 3} {
		t.Errorf("header = %v", header)
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if faces[0].Box != [4]int{10, 12, 20, 24} {
		t.Errorf("Box = %v", faces[0].Box)
	}
	if math.Abs(float64(faces[0].Vec[0])-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", faces[0].Vec[0])
	}
	if math.Abs(faces[0].Score-0.99) > 1e-6 {
		t.Errorf("Expected score approx 0.99, got %f", faces[0].Score)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(0))
	writeReply(dataPipeMock, payload.Bytes())

	faces, err := w.ProcessFrame(1, 1, 3, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeReply(dataPipeMock, payload.Bytes())

	_, err := w.ProcessFrame(1, 1, 3, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Msg != errMsg {
		t.Errorf("Expected RemoteError, got %T", err)
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_TruncatedReply(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{1, 2, 3, 4}) // embedding missing
	writeReply(dataPipeMock, payload.Bytes())

	_, err := w.ProcessFrame(1, 1, 3, []byte{1, 2, 3})
	if err == nil || !strings.Contains(err.Error(), "too short for 1 faces") {
		t.Errorf("Expected short reply error, got %v", err)
	}
}

func TestProcessFrame_FaceCountExceedsReply(t *testing.T) {
	tests := []struct {
		name     string
		numFaces uint32
		records  int
	}{
		{"Corrupt count", 0xFFFFFFFF, 0},
		{"One record short", 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, dataPipeMock := newMockWorker()

			payload := new(bytes.Buffer)
			payload.WriteByte(0)
			binary.Write(payload, binary.BigEndian, tt.numFaces)
			for i := 0; i < tt.records; i++ {
				binary.Write(payload, binary.BigEndian, [4]int32{1, 2, 3, 4})
				binary.Write(payload, binary.BigEndian, [types.EmbeddingDim]float32{})
				binary.Write(payload, binary.BigEndian, float32(0.5))
			}
			writeReply(dataPipeMock, payload.Bytes())

			faces, err := w.ProcessFrame(1, 1, 3, []byte{1, 2, 3})
			if err == nil || !strings.Contains(err.Error(), "too short") {
				t.Errorf("Expected short reply error, got %v", err)
			}
			if faces != nil {
				t.Errorf("Expected no faces, got %d", len(faces))
			}
		})
	}
}

func TestProcessFrame_WorkerGone(t *testing.T) {
	w, _, _ := newMockWorker()

	// Nothing was written back, like a worker that crashed mid-frame
	if _, err := w.ProcessFrame(1, 1, 3, []byte{1, 2, 3}); err == nil {
		t.Fatal("Expected error from empty data pipe")
	}
}

func TestProcessFrame_BufferSizeMismatch(t *testing.T) {
	w, stdinMock, _ := newMockWorker()

	if _, err := w.ProcessFrame(2, 2, 3, []byte{1, 2, 3}); err == nil {
		t.Fatal("Expected size mismatch error")
	}
	if stdinMock.Len() != 0 {
		t.Error("Nothing should be sent for a malformed buffer")
	}
}
