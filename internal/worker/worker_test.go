package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/detect"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeResponse frames a payload the way worker.py does: [Length][Payload].
func writeResponse(w io.Writer, payload []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(payload)))
	w.Write(payload)
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

	// Protocol: [Status:0] [JSON boxes]
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	payload.WriteString(`[{"x1":10,"y1":10,"x2":50,"y2":50},{"x1":-3,"y1":0,"x2":7,"y2":9}]`)
	writeResponse(dataPipeMock, payload.Bytes())

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	boxes, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if got := binary.BigEndian.Uint32(sentData[:4]); got != uint32(len(inputFrame)) {
		t.Errorf("Length header = %d, want %d", got, len(inputFrame))
	}

	// Verify Go read the correct data FROM Python, in detector order
	if len(boxes) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(boxes))
	}
	if boxes[0].X1 != 10 || boxes[0].Y2 != 50 || boxes[1].X1 != -3 {
		t.Errorf("Unexpected boxes: %+v", boxes)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeResponse(dataPipeMock, append([]byte{statusOK}, []byte("[]")...))

	boxes, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(boxes) != 0 {
		t.Errorf("Expected no faces, got %d", len(boxes))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeResponse(dataPipeMock, payload.Bytes())

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if errors.Is(err, detect.ErrDetectorBroken) {
		t.Error("A per-frame error must not mark the worker broken")
	}
}

func TestProcessFrame_MalformedPayload(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeResponse(dataPipeMock, append([]byte{statusOK}, []byte(`{"faces":1}`)...))

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
	if errors.Is(err, detect.ErrDetectorBroken) {
		t.Error("A framed but malformed payload leaves the stream usable")
	}
}

func TestProcessFrame_TransportFailures(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
	}{
		{"process died before answering", nil},
		{"truncated body", []byte{0, 0, 0, 10, statusOK, '['}},
		{"unknown status", []byte{0, 0, 0, 1, 7}},
		{"empty body", []byte{0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, dataPipeMock := newMockWorker()
			dataPipeMock.Write(tt.response)

			_, err := w.ProcessFrame([]byte("frame"))
			if !errors.Is(err, detect.ErrDetectorBroken) {
				t.Fatalf("Expected ErrDetectorBroken, got %v", err)
			}
		})
	}
}

func TestProcessFrame_ReadTimeout(t *testing.T) {
	r, wPipe, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer wPipe.Close()

	w := &PythonWorker{
		ID:          1,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}

	start := time.Now()
	_, err = w.ProcessFrame([]byte("frame"))
	if !errors.Is(err, detect.ErrDetectorBroken) {
		t.Fatalf("Expected ErrDetectorBroken on timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Read deadline not applied")
	}
}

func TestPythonDetector(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	writeResponse(dataPipeMock, append([]byte{statusOK}, []byte(`[{"x1":1,"y1":2,"x2":3,"y2":4}]`)...))

	frame := filepath.Join(t.TempDir(), "frame_000001.jpg")
	os.WriteFile(frame, []byte("jpegdata"), 0644)

	d := NewPythonDetector(w)
	boxes, err := d.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(boxes) != 1 || boxes[0].Y1 != 2 {
		t.Errorf("Unexpected boxes: %+v", boxes)
	}
	if !bytes.HasSuffix(stdinMock.Bytes(), []byte("jpegdata")) {
		t.Error("Frame file contents were not sent")
	}

	if _, err := d.Detect(context.Background(), filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("Expected error for missing frame")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

// writeScript creates a shell script used as a stand-in for worker.py.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClose_KillsHungWorker(t *testing.T) {
	opts := Options{Python: "sh", Script: writeScript(t, "exec sleep 60"), ReadTimeout: 200 * time.Millisecond}
	w, err := NewPythonWorker(context.Background(), 0, opts)
	if err != nil {
		t.Fatalf("NewPythonWorker failed: %v", err)
	}

	if _, err := w.ProcessFrame([]byte("frame")); !errors.Is(err, detect.ErrDetectorBroken) {
		t.Fatalf("Expected ErrDetectorBroken on timeout, got %v", err)
	}

	start := time.Now()
	w.Close()
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("Close took %s on a hung worker", took)
	}
	if w.Cmd.ProcessState == nil {
		t.Error("Process was not reaped")
	}
}

func TestClose_WorkerExitsOnEOF(t *testing.T) {
	opts := Options{Python: "sh", Script: writeScript(t, "cat >/dev/null")}
	w, err := NewPythonWorker(context.Background(), 0, opts)
	if err != nil {
		t.Fatalf("NewPythonWorker failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close of a cooperative worker failed: %v", err)
	}
}

func TestClose_KillsWorkerIgnoringEOF(t *testing.T) {
	opts := Options{Python: "sh", Script: writeScript(t, "exec sleep 60")}
	w, err := NewPythonWorker(context.Background(), 0, opts)
	if err != nil {
		t.Fatalf("NewPythonWorker failed: %v", err)
	}

	start := time.Now()
	if err := w.Close(); err == nil {
		t.Error("Expected an error reporting the kill")
	}
	if took := time.Since(start); took > closeGrace+3*time.Second {
		t.Errorf("Close took %s", took)
	}
}

func TestStageRecoversFromHungWorker(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_000001.jpg", "frame_000002.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	opts := Options{Python: "sh", Script: writeScript(t, "exec sleep 60"), ReadTimeout: 200 * time.Millisecond}
	stage := detect.NewStage(detect.Options{Workers: 1, Factory: PythonFactory(opts)})

	done := make(chan struct{})
	var m map[string]int
	var runErr error
	go func() {
		defer close(done)
		manifest, err := stage.Run(context.Background(), dir)
		runErr = err
		m = map[string]int{}
		for k, v := range manifest {
			m[k] = len(v)
		}
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("Detection stage did not finish with a hung detector")
	}
	if runErr != nil {
		t.Fatalf("Run failed: %v", runErr)
	}
	if len(m) != 2 || m["frame_000001.jpg"] != 0 || m["frame_000002.jpg"] != 0 {
		t.Errorf("Expected both frames recorded with no faces, got %v", m)
	}
}
