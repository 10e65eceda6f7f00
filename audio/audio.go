// Package audio turns an action id into sound. The bot core only ever sees
// the Player interface; which backend sits behind it is decided once at
// startup by Probe.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when the sound file for an action id does not exist.
	ErrNotFound = errors.New("audio: sound file not found")
	// ErrUnsupportedFormat is returned for files that are neither MP3 nor PCM WAV.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
	// ErrSampleRate is returned when a file's sample rate differs from the
	// output device's.
	ErrSampleRate = errors.New("audio: sample rate mismatch")
)

// Player plays the sound identified by actionID and returns once playback
// has finished or ctx is done.
type Player interface {
	Play(ctx context.Context, actionID string) error
}

// PlaybackError wraps a failure to play one action.
type PlaybackError struct {
	ActionID string
	Path     string
	Err      error
}

func (e *PlaybackError) Error() string {
	if e.Path != "" && e.Path != e.ActionID {
		return fmt.Sprintf("play %q (%s): %v", e.ActionID, e.Path, e.Err)
	}
	return fmt.Sprintf("play %q: %v", e.ActionID, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Resolver maps action ids to files. Absolute ids are used as-is; relative
// ids are joined to Dir.
type Resolver struct {
	Dir string
}

// Resolve returns the file path for actionID and checks that it exists and
// is a regular file.
func (r Resolver) Resolve(actionID string) (string, error) {
	p := filepath.Clean(actionID)
	if !filepath.IsAbs(p) && r.Dir != "" {
		p = filepath.Join(r.Dir, p)
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, ErrNotFound
		}
		return p, err
	}
	if fi.IsDir() {
		return p, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	return p, nil
}

// format is the container format of a sound file, picked by extension.
type format int

const (
	formatUnknown format = iota
	formatMP3
	formatWAV
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return formatMP3
	case ".wav", ".wave":
		return formatWAV
	}
	return formatUnknown
}
