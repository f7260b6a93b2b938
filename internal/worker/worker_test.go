package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose DataPipe already holds the framed reply payload.
func newMockWorker(payload []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestDetectPredict(t *testing.T) {
	// Protocol: [Status:0] [N:2] [Found:1][Box] [Found:0][Box]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, [4]float32{10.7, 20, 110, 140.2})
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [4]float32{})

	pw, stdinMock := newMockWorker(payload.Bytes())
	w := &DetectWorker{PythonWorker: pw}

	images := []*image.RGBA{
		image.NewRGBA(image.Rect(0, 0, 4, 3)),
		image.NewRGBA(image.Rect(0, 0, 2, 2)),
	}
	images[0].SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	boxes, err := w.Predict(context.Background(), images)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sent := stdinMock.Bytes()
	wantLen := 4 + 1 + 4 + (8 + 4*3*3) + (8 + 2*2*3)
	if len(sent) != wantLen {
		t.Fatalf("Expected %d bytes sent, got %d", wantLen, len(sent))
	}
	if sent[4] != opDetect {
		t.Errorf("Expected opcode %d, got %d", opDetect, sent[4])
	}
	// First pixel follows [len][op][n][w][h].
	if !bytes.Equal(sent[4+1+4+8:4+1+4+8+3], []byte{1, 2, 3}) {
		t.Errorf("First pixel sent as %v, want RGB [1 2 3]", sent[17:20])
	}

	// Verify Go read the correct data FROM Python
	if len(boxes) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(boxes))
	}
	want := types.Box{X1: 10, Y1: 20, X2: 110, Y2: 140}
	if boxes[0] == nil || *boxes[0] != want {
		t.Errorf("Expected box %+v, got %+v", want, boxes[0])
	}
	if boxes[1] != nil {
		t.Errorf("Expected miss for image 1, got %+v", boxes[1])
	}
}

func TestDetectPredict_CountMismatch(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3))

	pw, _ := newMockWorker(payload.Bytes())
	w := &DetectWorker{PythonWorker: pw}
	if _, err := w.Predict(context.Background(), []*image.RGBA{image.NewRGBA(image.Rect(0, 0, 1, 1))}); err == nil {
		t.Fatal("Expected error for mismatched result count")
	}
}

func TestForward(t *testing.T) {
	const size = 2
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{1, size})
	payload.Write([]byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 9, 9, 9,
	})

	pw, stdinMock := newMockWorker(payload.Bytes())
	w := &LipSyncWorker{PythonWorker: pw}

	batch := &types.ModelBatch{
		Size:   size,
		Faces:  [][]float32{make([]float32, size*size*6)},
		Mels:   []types.MelWindow{{Bins: 2, Steps: 3, Data: []float32{1, 2, 3, 4, 5, 6}}},
		Frames: []*image.RGBA{image.NewRGBA(image.Rect(0, 0, 8, 8))},
		Coords: []types.Coords{{Y1: 0, Y2: 2, X1: 0, X2: 2}},
	}
	batch.Faces[0][0] = 0.5

	faces, err := w.Forward(context.Background(), batch)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	sent := stdinMock.Bytes()
	wantLen := 4 + 1 + 16 + 4*(size*size*6) + 4*6
	if len(sent) != wantLen {
		t.Fatalf("Expected %d bytes sent, got %d", wantLen, len(sent))
	}
	if got := math.Float32frombits(binary.BigEndian.Uint32(sent[21:25])); got != 0.5 {
		t.Errorf("First face value sent as %f, want 0.5", got)
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if c := faces[0].RGBAAt(1, 0); c != (color.RGBA{G: 255, A: 255}) {
		t.Errorf("Pixel (1,0) = %v, want green", c)
	}
	if c := faces[0].RGBAAt(1, 1); c != (color.RGBA{R: 9, G: 9, B: 9, A: 255}) {
		t.Errorf("Pixel (1,1) = %v, want gray 9", c)
	}
}

func TestForward_RejectsMismatchedMels(t *testing.T) {
	w := &LipSyncWorker{PythonWorker: &PythonWorker{}}
	batch := &types.ModelBatch{
		Size:   1,
		Faces:  [][]float32{make([]float32, 6), make([]float32, 6)},
		Mels:   []types.MelWindow{{Bins: 1, Steps: 1, Data: []float32{0}}, {Bins: 2, Steps: 1, Data: []float32{0, 0}}},
		Coords: make([]types.Coords, 2),
	}
	if _, err := w.Forward(context.Background(), batch); err == nil {
		t.Fatal("Expected error for mismatched mel windows")
	}
}

func TestMelspectrogram(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, [2]uint32{2, 2})
	binary.Write(payload, binary.BigEndian, []float32{-4, -3, -2, -1})

	pw, stdinMock := newMockWorker(payload.Bytes())
	w := &LipSyncWorker{PythonWorker: pw}

	mel, err := w.Melspectrogram(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("Melspectrogram failed: %v", err)
	}
	if mel.Bins != 2 || mel.Steps != 2 {
		t.Fatalf("Mel shape = %dx%d, want 2x2", mel.Bins, mel.Steps)
	}
	if mel.At(1, 0) != -2 {
		t.Errorf("At(1,0) = %f, want -2", mel.At(1, 0))
	}

	sent := stdinMock.Bytes()
	if string(sent[9:]) != "/tmp/a.wav" {
		t.Errorf("Path sent as %q", sent[9:])
	}
}

func TestWorkerError(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	pw, _ := newMockWorker(payload.Bytes())
	w := &LipSyncWorker{PythonWorker: pw}

	_, err := w.Melspectrogram(context.Background(), "a.wav")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestWorkerResourceExhausted(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(2)
	msg := "CUDA out of memory"
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)

	pw, _ := newMockWorker(payload.Bytes())
	w := &DetectWorker{PythonWorker: pw}

	_, err := w.Predict(context.Background(), []*image.RGBA{image.NewRGBA(image.Rect(0, 0, 1, 1))})
	if !errors.Is(err, pipeline.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestCommunicate_Cancelled(t *testing.T) {
	pw, stdinMock := newMockWorker([]byte{0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pw.Communicate(ctx, []byte{1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("Nothing should be sent after cancellation")
	}
}

func TestCommunicate_TruncatedReply(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(10))
	dataPipeMock.Write([]byte{0, 1})

	pw := &PythonWorker{ID: 3, Stdin: stdinMock, DataPipe: dataPipeMock}
	if _, err := pw.Communicate(context.Background(), []byte{1}); err == nil {
		t.Fatal("Expected error for truncated reply")
	}
}
