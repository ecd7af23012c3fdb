package audio

import (
	"path/filepath"
	"testing"
	"time"
)

func testInfo() Info {
	return Info{NumChannels: 1, SampleRate: 16000, BitsPerSample: 16}
}

func TestWriteProbeRoundTrip(t *testing.T) {
	info := testInfo()
	path := filepath.Join(t.TempDir(), "tone.wav")

	// Two seconds of mono 16-bit PCM at 16kHz.
	data := make([]byte, 2*info.ByteRate())
	if err := WriteFile(path, info, data); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if got.NumChannels != 1 || got.SampleRate != 16000 || got.BitsPerSample != 16 {
		t.Fatalf("unexpected layout: %+v", got)
	}
	if got.DataBytes != int64(len(data)) {
		t.Fatalf("expected %d data bytes, got %d", len(data), got.DataBytes)
	}
	if got.Duration() != 2*time.Second {
		t.Fatalf("expected 2s duration, got %v", got.Duration())
	}
}

func TestReadDataReturnsSamples(t *testing.T) {
	info := testInfo()
	path := filepath.Join(t.TempDir(), "samples.wav")

	data := make([]byte, info.ByteRate()/2)
	for i := range data {
		data[i] = byte(i)
	}
	if err := WriteFile(path, info, data); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, samples, err := ReadData(path)
	if err != nil {
		t.Fatalf("ReadData failed: %v", err)
	}
	if got.DataBytes != int64(len(data)) {
		t.Fatalf("expected %d data bytes, got %d", len(data), got.DataBytes)
	}
	if len(samples) != len(data) {
		t.Fatalf("expected %d sample bytes, got %d", len(data), len(samples))
	}
	for i := range data {
		if samples[i] != data[i] {
			t.Fatalf("sample byte %d differs: %d != %d", i, samples[i], data[i])
		}
	}
}

func TestSilence(t *testing.T) {
	info := testInfo()

	s := Silence(info, 500*time.Millisecond)
	if int64(len(s)) != info.ByteRate()/2 {
		t.Fatalf("expected %d silence bytes, got %d", info.ByteRate()/2, len(s))
	}
	if int64(len(s))%info.BlockAlign() != 0 {
		t.Fatalf("silence not frame aligned: %d bytes", len(s))
	}

	if got := Silence(info, 0); got != nil {
		t.Fatalf("expected nil silence for zero duration, got %d bytes", len(got))
	}
	if got := Silence(info, -time.Second); got != nil {
		t.Fatalf("expected nil silence for negative duration, got %d bytes", len(got))
	}

	for _, b := range s {
		if b != 0 {
			t.Fatal("silence must be zeroed")
		}
	}
}

func TestProbeMissingFile(t *testing.T) {
	if _, err := Probe(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
