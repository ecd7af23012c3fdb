// Package audio reads and writes the mono PCM WAV segments the capture
// collaborator produces.
package audio

import (
	"fmt"
	"io"
	"os"
	"time"

	wav "github.com/youpy/go-wav"
)

// Info describes the PCM layout of a WAV file plus the amount of sample
// data actually present, which may be less than the header claims while the
// file is still being written.
type Info struct {
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataBytes     int64
}

// ByteRate returns the number of PCM bytes per second.
func (i Info) ByteRate() int64 {
	return int64(i.SampleRate) * int64(i.NumChannels) * int64(i.BitsPerSample) / 8
}

// BlockAlign returns the size of one sample frame in bytes.
func (i Info) BlockAlign() int64 {
	align := int64(i.NumChannels) * int64(i.BitsPerSample) / 8
	if align <= 0 {
		align = 1
	}
	return align
}

// Duration returns the playable duration of the counted sample data.
func (i Info) Duration() time.Duration {
	rate := i.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(i.DataBytes) / float64(rate) * float64(time.Second))
}

// Probe parses a WAV header and counts the sample bytes present. The count
// comes from reading the data chunk rather than trusting the header, so a
// half-written file reports a short duration instead of the final one.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return Info{}, fmt.Errorf("parse wav header %s: %w", path, err)
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil && err != io.EOF {
		return Info{}, fmt.Errorf("count wav data %s: %w", path, err)
	}

	return Info{
		NumChannels:   format.NumChannels,
		SampleRate:    format.SampleRate,
		BitsPerSample: format.BitsPerSample,
		DataBytes:     n,
	}, nil
}

// ReadData returns the PCM layout and the raw sample bytes of a WAV file.
func ReadData(path string) (Info, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("open wav %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return Info{}, nil, fmt.Errorf("parse wav header %s: %w", path, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, nil, fmt.Errorf("read wav data %s: %w", path, err)
	}

	info := Info{
		NumChannels:   format.NumChannels,
		SampleRate:    format.SampleRate,
		BitsPerSample: format.BitsPerSample,
		DataBytes:     int64(len(data)),
	}
	return info, data, nil
}

// WriteFile writes raw PCM sample bytes as a WAV file with the given layout.
func WriteFile(path string, info Info, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create wav %s: %w", path, err)
	}

	numSamples := uint32(int64(len(data)) / info.BlockAlign())
	w := wav.NewWriter(f, numSamples, info.NumChannels, info.SampleRate, info.BitsPerSample)
	if _, err := w.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write wav data %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close wav %s: %w", path, err)
	}
	return nil
}

// Silence returns zeroed PCM bytes covering d at the given layout, aligned
// to whole sample frames.
func Silence(info Info, d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	n := int64(float64(info.ByteRate()) * d.Seconds())
	n -= n % info.BlockAlign()
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}
