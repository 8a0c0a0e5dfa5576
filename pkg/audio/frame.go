// Package audio provides the PCM16 frame type and format conversion helpers
// shared by the PlateVoice capture and transport layers.
//
// Audio moves through the system as little-endian 16-bit PCM. The kiosk
// microphone typically captures at 48 kHz; the realtime ordering protocol
// negotiates 24 kHz mono, and the WebRTC uplink carries 48 kHz Opus. The
// helpers in this package bridge those formats.
package audio

import "time"

// Protocol and capture constants. ProtocolRate is fixed by the remote
// realtime endpoint's pcm16 format; CaptureRate matches common kiosk
// microphone hardware.
const (
	ProtocolRate = 24000
	CaptureRate  = 48000
)

// Frame is a single chunk of PCM16 audio moving between the microphone,
// the transport, and the speaker.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for kiosk capture, 24000 for the wire).
	SampleRate int

	// Channels: 1 for mono capture, 2 for interleaved stereo.
	Channels int

	// Timestamp is the capture offset relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame, or zero when the frame
// carries no format information.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
