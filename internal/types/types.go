package types

// EmbeddingDim is the length of the recognizer's face embedding.
const EmbeddingDim = 512

// FaceResult is one face detected and embedded by the Python worker.
type FaceResult struct {
	Box   [4]int    `json:"box"` // [x, y, width, height]
	Vec   []float32 `json:"vec"`
	Score float64   `json:"score"` // detector confidence
}

// ObjectRecord is one tracked object in the detection source.
type ObjectRecord struct {
	TrackID uint64 `json:"track_id"`
	Label   string `json:"label"`
	BBox    [4]int `json:"bbox"` // [x, y, width, height]
}

// FrameRecord is one line of the detection source (JSON Lines). Ended lists
// tracks the tracker stopped following at this frame.
type FrameRecord struct {
	Frame   int            `json:"frame"`
	Objects []ObjectRecord `json:"objects"`
	Ended   []uint64       `json:"ended,omitempty"`
}

// LabelRecord is one line of the label sink.
type LabelRecord struct {
	Frame       int     `json:"frame"`
	Timestamp   float64 `json:"ts"`
	TrackID     uint64  `json:"track_id"`
	Label       string  `json:"label"`
	DisplayText string  `json:"display_text"`
}
