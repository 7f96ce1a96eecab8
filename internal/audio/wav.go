package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit mono WAV file as if it were a microphone. Each
// Open starts from the beginning of the file.
type WAVSource struct {
	Path     string
	Capacity int
	// Realtime paces frames at the frame duration. When false frames are
	// produced as fast as the consumer allows (and the queue may drop).
	Realtime bool
	Options  []StreamOption
}

func (w *WAVSource) Open(ctx context.Context, format Format) (Capture, error) {
	if err := format.Validate(); err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	file, err := os.Open(w.Path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("%s is not a valid wav file", w.Path)}
	}
	if int(dec.SampleRate) != format.SampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		file.Close()
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("wav format %d Hz/%d ch/%d bit does not match %d Hz mono 16 bit",
			dec.SampleRate, dec.NumChans, dec.BitDepth, format.SampleRate)}
	}

	samples := format.SamplesPerFrame()
	intBuf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: format.SampleRate},
		Data:   make([]int, samples),
	}
	var mu sync.Mutex
	read := func(buf []byte) error {
		mu.Lock()
		defer mu.Unlock()
		n, err := dec.PCMBuffer(intBuf)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return io.EOF
		}
		pcm := make([]int16, samples)
		for i := 0; i < n && i < samples; i++ {
			pcm[i] = int16(intBuf.Data[i])
		}
		EncodeInt16(buf, pcm)
		return nil
	}

	capacity := w.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	opts := append([]StreamOption(nil), w.Options...)
	if w.Realtime {
		opts = append(opts, WithPacing(format.FrameDuration))
	}
	return StartCapture(ctx, format, capacity, read, file.Close, opts...), nil
}

// WriteWAV encodes 16-bit mono PCM as a WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if len(pcm)%bytesPerSample != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
