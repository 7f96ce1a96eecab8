package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/kevio/internal/config"
)

var testFormat = Format{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}

func constantFrame(format Format, value int16) []byte {
	samples := make([]int16, format.SamplesPerFrame())
	for i := range samples {
		samples[i] = value
	}
	buf := make([]byte, format.BytesPerFrame())
	EncodeInt16(buf, samples)
	return buf
}

func TestFormatSizes(t *testing.T) {
	if got := testFormat.SamplesPerFrame(); got != 320 {
		t.Fatalf("expected 320 samples, got %d", got)
	}
	if got := testFormat.BytesPerFrame(); got != 640 {
		t.Fatalf("expected 640 bytes, got %d", got)
	}
	bad := Format{SampleRate: 16000, FrameDuration: time.Microsecond}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error for empty frame")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(constantFrame(testFormat, 1000)); got < 999.9 || got > 1000.1 {
		t.Fatalf("expected rms 1000, got %f", got)
	}
	if got := RMS(constantFrame(testFormat, 0)); got != 0 {
		t.Fatalf("expected rms 0, got %f", got)
	}
	if got := RMS(nil); got != 0 {
		t.Fatalf("expected rms 0 for empty payload, got %f", got)
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(3)
	var evicted []uint64
	q.onDrop = func(f Frame) { evicted = append(evicted, f.Seq) }

	var lastDropped uint64
	for i := uint64(0); i < 10; i++ {
		q.Push(Frame{Seq: i})
		if q.Len() > q.Cap() {
			t.Fatalf("queue grew past capacity: %d", q.Len())
		}
		if d := q.Dropped(); d < lastDropped {
			t.Fatalf("dropped counter went backwards: %d -> %d", lastDropped, d)
		} else {
			lastDropped = d
		}
	}
	if q.Dropped() != 7 {
		t.Fatalf("expected 7 drops, got %d", q.Dropped())
	}
	if len(evicted) != 7 || evicted[0] != 0 || evicted[6] != 6 {
		t.Fatalf("unexpected eviction order: %v", evicted)
	}
	q.Close()
	var kept []uint64
	for f := range q.Frames() {
		kept = append(kept, f.Seq)
	}
	if len(kept) != 3 || kept[0] != 7 || kept[2] != 9 {
		t.Fatalf("expected newest frames 7..9, got %v", kept)
	}
}

func TestStreamDeliversFramesUntilEOF(t *testing.T) {
	src := &MemorySource{Frames: [][]byte{
		constantFrame(testFormat, 1),
		constantFrame(testFormat, 2),
		constantFrame(testFormat, 3),
	}}
	capture, err := src.Open(context.Background(), testFormat)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer capture.Close()

	var seqs []uint64
	for f := range capture.Frames() {
		if len(f.PCM) != testFormat.BytesPerFrame() {
			t.Fatalf("unexpected frame size %d", len(f.PCM))
		}
		if f.Duration() != testFormat.FrameDuration {
			t.Fatalf("unexpected frame duration %s", f.Duration())
		}
		seqs = append(seqs, f.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[2] != 2 {
		t.Fatalf("expected seqs 0..2, got %v", seqs)
	}
	if err := capture.Err(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
}

func TestStreamReportsDeviceError(t *testing.T) {
	unplugged := errors.New("device unplugged")
	src := &MemorySource{
		Frames:    [][]byte{constantFrame(testFormat, 1), constantFrame(testFormat, 1)},
		FailAfter: 1,
		ReadErr:   unplugged,
	}
	capture, err := src.Open(context.Background(), testFormat)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer capture.Close()
	for range capture.Frames() {
	}
	var devErr *DeviceError
	if !errors.As(capture.Err(), &devErr) {
		t.Fatalf("expected DeviceError, got %v", capture.Err())
	}
	if !errors.Is(capture.Err(), unplugged) {
		t.Fatalf("expected wrapped cause, got %v", capture.Err())
	}
}

func TestStreamCloseReleasesHeldDevice(t *testing.T) {
	src := &MemorySource{Frames: [][]byte{constantFrame(testFormat, 1)}, Hold: true}
	capture, err := src.Open(context.Background(), testFormat)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	<-capture.Frames()

	done := make(chan struct{})
	go func() {
		_ = capture.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return")
	}
	// Close is idempotent
	if err := capture.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	for range capture.Frames() {
	}
	if capture.Err() != nil {
		t.Fatalf("expected no error after close, got %v", capture.Err())
	}
}

func TestOpenError(t *testing.T) {
	src := &MemorySource{OpenErr: errors.New("no such device")}
	if _, err := src.Open(context.Background(), testFormat); err == nil {
		t.Fatalf("expected open error")
	} else {
		var devErr *DeviceError
		if !errors.As(err, &devErr) || devErr.Op != "open" {
			t.Fatalf("expected open DeviceError, got %v", err)
		}
	}
	if src.Opens() != 1 {
		t.Fatalf("expected 1 open attempt, got %d", src.Opens())
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	var pcm []byte
	for i := 0; i < 4; i++ {
		pcm = append(pcm, constantFrame(testFormat, int16(100*(i+1)))...)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(f, pcm, testFormat.SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	_ = f.Close()

	src := &WAVSource{Path: path, Capacity: 16}
	capture, err := src.Open(context.Background(), testFormat)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer capture.Close()

	var frames []Frame
	for fr := range capture.Frames() {
		frames = append(frames, fr)
	}
	if capture.Err() != nil {
		t.Fatalf("unexpected error: %v", capture.Err())
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	if got := RMS(frames[2].PCM); got < 299.9 || got > 300.1 {
		t.Fatalf("expected third frame rms 300, got %f", got)
	}
}

func TestWAVRejectsMismatchedRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(f, constantFrame(testFormat, 5), 8000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	_ = f.Close()

	src := &WAVSource{Path: path}
	if _, err := src.Open(context.Background(), testFormat); err == nil {
		t.Fatalf("expected format mismatch error")
	}
}

func TestNewSourceFromConfig(t *testing.T) {
	src, err := NewSource(config.AudioConfig{Mode: "file", FilePath: "speech.wav", QueueCapacity: 8}, nil)
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	wav, ok := src.(*WAVSource)
	if !ok || wav.Path != "speech.wav" || wav.Capacity != 8 || !wav.Realtime {
		t.Fatalf("unexpected source: %#v", src)
	}
	if _, err := NewSource(config.AudioConfig{Mode: "file"}, nil); err == nil {
		t.Fatalf("expected error without file path")
	}
	if _, err := NewSource(config.AudioConfig{Mode: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
