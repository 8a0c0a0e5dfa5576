package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// The WebRTC uplink carries 48 kHz mono Opus at 20 ms frame size.
const (
	OpusSampleRate = 48000
	OpusChannels   = 1
	OpusFrameMs    = 20
	// OpusFrameSize is the number of samples per channel per 20 ms frame.
	OpusFrameSize = OpusSampleRate * OpusFrameMs / 1000 // 960

	// maxOpusPacket bounds the encoded packet size passed to the encoder.
	maxOpusPacket = 4000
)

// OpusEncoder wraps a gopus encoder for the microphone uplink. Each stream
// gets its own encoder to maintain codec state across consecutive frames.
// Not safe for concurrent use.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder configured for the WebRTC uplink
// (48 kHz mono, voice-optimised).
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, OpusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes one 20 ms frame of little-endian PCM16 into an Opus packet.
// The input must contain exactly OpusFrameSize samples.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := BytesToInt16s(pcmBytes)
	if len(pcm) != OpusFrameSize*OpusChannels {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d", len(pcm), OpusFrameSize*OpusChannels)
	}
	packet, err := e.enc.Encode(pcm, OpusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// OpusDecoder wraps a gopus decoder for the agent's downlink audio.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder configured for the WebRTC downlink.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes an Opus packet into little-endian PCM16 bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, OpusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
