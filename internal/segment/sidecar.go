package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sidecar is the metadata record the capture collaborator writes alongside
// each audio segment file.
type Sidecar struct {
	Sequence         int       `json:"sequence"`
	StartTime        time.Time `json:"start_time"`
	ExpectedDuration float64   `json:"expected_duration"`
}

// SidecarPath returns the metadata path for an audio segment file.
func SidecarPath(audioPath string) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
}

// AudioPath returns the audio path for a sidecar metadata file.
func AudioPath(sidecarPath string) string {
	return strings.TrimSuffix(sidecarPath, filepath.Ext(sidecarPath)) + ".wav"
}

// LoadSidecar reads and validates a sidecar metadata file.
func LoadSidecar(path string) (Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar %s: %w", path, err)
	}

	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	if sc.Sequence < 0 {
		return Sidecar{}, fmt.Errorf("sidecar %s: negative sequence %d", path, sc.Sequence)
	}
	if sc.ExpectedDuration <= 0 {
		return Sidecar{}, fmt.Errorf("sidecar %s: non-positive expected duration %v", path, sc.ExpectedDuration)
	}
	return sc, nil
}

// FromSidecar builds a new Segment in the Created state.
func FromSidecar(audioPath string, sc Sidecar) Segment {
	return Segment{
		Sequence:         sc.Sequence,
		Path:             audioPath,
		StartTime:        sc.StartTime,
		ExpectedDuration: time.Duration(sc.ExpectedDuration * float64(time.Second)),
		CreatedAt:        time.Now().UTC(),
		Status:           StatusCreated,
	}
}
