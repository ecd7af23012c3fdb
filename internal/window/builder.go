// Package window builds boundary-padded audio artifacts: a slice of the
// previous segment's tail is prepended and trailing silence appended so the
// transcription backend does not cut words at segment boundaries.
package window

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sorenh/minuteman/internal/audio"
)

// DefaultSlack is the validation slack applied when none is configured.
// A constructed artifact measuring shorter than the expected total minus
// this slack is discarded in favor of the raw segment.
const DefaultSlack = 2 * time.Second

// Artifact is a transcription input: either a temporary context-window
// file owned by the artifact, or the raw segment file owned by capture.
// Close must be called on every artifact; it releases the temporary file
// when there is one and is a no-op otherwise.
type Artifact struct {
	Path    string
	PreRoll time.Duration
	Pad     time.Duration

	temp bool
}

// Raw reports whether the artifact is the unmodified segment file.
func (a *Artifact) Raw() bool { return !a.temp }

// Close removes the temporary artifact file, if any.
func (a *Artifact) Close() error {
	if a == nil || !a.temp {
		return nil
	}
	a.temp = false
	return os.Remove(a.Path)
}

// Builder constructs context-window artifacts in tempDir.
type Builder struct {
	tempDir string
	slack   time.Duration
}

// New creates a builder. An empty tempDir falls back to the system temp
// directory; a non-positive slack falls back to DefaultSlack.
func New(tempDir string, slack time.Duration) *Builder {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if slack <= 0 {
		slack = DefaultSlack
	}
	return &Builder{tempDir: tempDir, slack: slack}
}

// RawArtifact wraps a segment file without any context window.
func RawArtifact(path string) *Artifact {
	return &Artifact{Path: path}
}

// Build assembles [previous tail <= preRoll] + [current segment] + [pad
// silence] into a temporary WAV and validates its duration against the
// expected total. Any build or validation failure releases the temporary
// file and returns an error; the caller then falls back to the raw segment.
func (b *Builder) Build(prevPath, curPath string, preRoll, pad time.Duration) (*Artifact, error) {
	if preRoll <= 0 && pad <= 0 {
		return RawArtifact(curPath), nil
	}

	curInfo, curData, err := audio.ReadData(curPath)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}

	var tail []byte
	if preRoll > 0 && prevPath != "" {
		prevInfo, prevData, err := audio.ReadData(prevPath)
		if err != nil {
			return nil, fmt.Errorf("read previous segment: %w", err)
		}
		if prevInfo.SampleRate != curInfo.SampleRate ||
			prevInfo.NumChannels != curInfo.NumChannels ||
			prevInfo.BitsPerSample != curInfo.BitsPerSample {
			return nil, fmt.Errorf("previous segment format %v does not match %v", prevInfo, curInfo)
		}

		want := int64(float64(curInfo.ByteRate()) * preRoll.Seconds())
		want -= want % curInfo.BlockAlign()
		if want > int64(len(prevData)) {
			want = int64(len(prevData))
			want -= want % curInfo.BlockAlign()
		}
		if want > 0 {
			tail = prevData[int64(len(prevData))-want:]
		}
	}

	silence := audio.Silence(curInfo, pad)

	combined := make([]byte, 0, len(tail)+len(curData)+len(silence))
	combined = append(combined, tail...)
	combined = append(combined, curData...)
	combined = append(combined, silence...)

	tmpPath := filepath.Join(b.tempDir, "ctx_"+uuid.NewString()+".wav")
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := audio.WriteFile(tmpPath, curInfo, combined); err != nil {
		return nil, fmt.Errorf("write context artifact: %w", err)
	}

	actualPreRoll := bytesDuration(curInfo, int64(len(tail)))
	actualPad := bytesDuration(curInfo, int64(len(silence)))

	built, err := audio.Probe(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("validate context artifact: %w", err)
	}
	want := curInfo.Duration() + actualPreRoll + actualPad
	if built.Duration() < want-b.slack {
		return nil, fmt.Errorf("context artifact truncated: built %v, want at least %v", built.Duration(), want-b.slack)
	}

	ok = true
	return &Artifact{Path: tmpPath, PreRoll: actualPreRoll, Pad: actualPad, temp: true}, nil
}

func bytesDuration(info audio.Info, n int64) time.Duration {
	rate := info.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}
