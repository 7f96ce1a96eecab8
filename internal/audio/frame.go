// Package audio captures fixed-format PCM frames and moves them to the
// pipeline through a bounded queue that never blocks the producer.
//
// All PCM in this package is 16-bit signed little-endian mono.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const bytesPerSample = 2

// Format describes the frames a Source produces.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// SamplesPerFrame returns the number of samples (per channel) in one frame.
func (f Format) SamplesPerFrame() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// BytesPerFrame returns the PCM payload size of one frame.
func (f Format) BytesPerFrame() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SamplesPerFrame() * ch * bytesPerSample
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("audio: frame duration must be positive, got %s", f.FrameDuration)
	}
	if f.SamplesPerFrame() == 0 {
		return fmt.Errorf("audio: frame of %s at %d Hz holds no samples", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// Frame is one fixed-duration block of captured samples. A Frame is never
// modified after the capture loop hands it to the queue.
type Frame struct {
	Seq        uint64
	Captured   time.Time
	SampleRate int
	PCM        []byte
}

// Samples returns the number of 16-bit samples carried by the frame.
func (f Frame) Samples() int {
	return len(f.PCM) / bytesPerSample
}

// Duration returns the audio duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square amplitude of 16-bit PCM on the int16 scale.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// ToFloat32 converts 16-bit PCM to float32 samples in [-1, 1].
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / bytesPerSample
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
	}
	return samples
}

// EncodeInt16 writes samples into dst as little-endian PCM. dst must hold
// 2*len(samples) bytes.
func EncodeInt16(dst []byte, samples []int16) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
}

// DeviceError reports that the capture device could not be opened or
// stopped delivering audio. It is never retried inside this package.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
