package audio

import (
	"testing"
	"time"
)

// pcmBytes builds little-endian PCM16 data from sample values.
func pcmBytes(samples ...int16) []byte {
	return Int16sToBytes(samples)
}

func TestConverter_FastPath(t *testing.T) {
	t.Parallel()

	conv := Converter{Target: Format{SampleRate: 24000, Channels: 1}}
	in := Frame{Data: pcmBytes(100, -100, 200), SampleRate: 24000, Channels: 1}

	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("expected zero-copy passthrough when formats match")
	}
}

func TestConverter_DropsMisalignedPCM(t *testing.T) {
	t.Parallel()

	conv := Converter{Target: Format{SampleRate: 24000, Channels: 1}}
	out := conv.Convert(Frame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})

	if len(out.Data) != 0 {
		t.Errorf("expected empty data for odd byte count, got %d bytes", len(out.Data))
	}
	if out.SampleRate != 24000 || out.Channels != 1 {
		t.Errorf("dropped frame should carry target format, got %d/%d", out.SampleRate, out.Channels)
	}
}

func TestConverter_DownsamplesCapture(t *testing.T) {
	t.Parallel()

	// 48 kHz mono capture down to the 24 kHz protocol rate halves the
	// sample count.
	conv := Converter{Target: Format{SampleRate: 24000, Channels: 1}}
	in := Frame{
		Data:       make([]byte, 960*2), // 20 ms at 48 kHz mono
		SampleRate: 48000,
		Channels:   1,
		Timestamp:  40 * time.Millisecond,
	}

	out := conv.Convert(in)
	if got, want := len(out.Data), 480*2; got != want {
		t.Errorf("downsampled byte count = %d, want %d", got, want)
	}
	if out.Timestamp != in.Timestamp {
		t.Error("timestamp must be preserved across conversion")
	}
}

func TestStereoToMono_AveragesAndClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		l, r int16
		want int16
	}{
		{"simple average", 100, 200, 150},
		{"negative average", -100, -300, -200},
		{"mixed signs", 1000, -1000, 0},
		{"max values", 32767, 32767, 32767},
		{"min values", -32768, -32768, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := pcmBytes(tt.l, tt.r)
			out := BytesToInt16s(StereoToMono(in))
			if len(out) != 1 {
				t.Fatalf("expected 1 mono sample, got %d", len(out))
			}
			if out[0] != tt.want {
				t.Errorf("average = %d, want %d", out[0], tt.want)
			}
		})
	}
}

func TestMonoToStereo_DuplicatesSamples(t *testing.T) {
	t.Parallel()

	out := BytesToInt16s(MonoToStereo(pcmBytes(42, -7)))
	want := []int16{42, 42, -7, -7}
	if len(out) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is passthrough", func(t *testing.T) {
		in := pcmBytes(1, 2, 3)
		if got := ResampleMono16(in, 24000, 24000); &got[0] != &in[0] {
			t.Error("expected passthrough for equal rates")
		}
	})

	t.Run("halving rate halves samples", func(t *testing.T) {
		in := make([]byte, 480*2)
		out := ResampleMono16(in, 48000, 24000)
		if got, want := len(out), 240*2; got != want {
			t.Errorf("len = %d, want %d", got, want)
		}
	})

	t.Run("doubling rate doubles samples", func(t *testing.T) {
		in := make([]byte, 240*2)
		out := ResampleMono16(in, 24000, 48000)
		if got, want := len(out), 480*2; got != want {
			t.Errorf("len = %d, want %d", got, want)
		}
	})

	t.Run("constant signal stays constant", func(t *testing.T) {
		in := pcmBytes(500, 500, 500, 500, 500, 500, 500, 500)
		out := BytesToInt16s(ResampleMono16(in, 48000, 24000))
		for i, s := range out {
			if s != 500 {
				t.Errorf("sample %d = %d, want 500", i, s)
			}
		}
	})
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	f := Frame{Data: make([]byte, 480*2), SampleRate: 24000, Channels: 1}
	if got, want := f.Duration(), 20*time.Millisecond; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}

	var zero Frame
	if zero.Duration() != 0 {
		t.Error("zero frame must report zero duration")
	}
}
