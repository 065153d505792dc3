//go:build !portaudio

package portaudio

import (
	"context"
	"errors"
	"testing"

	"github.com/theintaker/voicebridge/pkg/audio"
)

func TestStub_ReportsUnavailable(t *testing.T) {
	t.Parallel()
	if Available {
		t.Fatal("Available = true in a build without the portaudio tag")
	}

	_, err := NewInput(nil).Open(context.Background(), audio.Constraints{}, 4096, func([]float32) {})
	var de *audio.DeviceError
	if !errors.As(err, &de) || !errors.Is(err, ErrUnavailable) {
		t.Errorf("Open = %v, want DeviceError wrapping ErrUnavailable", err)
	}

	if _, err := NewOutput(nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("NewOutput = %v, want ErrUnavailable", err)
	}
}
