package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/hajimehoshi/oto/v2"
)

// DefaultSampleRate is the output rate used when none is configured.
const DefaultSampleRate = 44100

// stream is decoded PCM: 16-bit little-endian stereo at SampleRate.
type stream interface {
	io.Reader
	SampleRate() int
}

// output plays one PCM stream to completion. The oto-backed implementation
// is the only one outside tests.
type output interface {
	play(ctx context.Context, pcm io.Reader) error
	sampleRate() int
}

// FilePlayer decodes MP3 and WAV files and writes them to an output device.
type FilePlayer struct {
	Resolver Resolver
	out      output
}

// Play resolves actionID to a file, decodes it and blocks until playback
// ends or ctx is done.
func (p *FilePlayer) Play(ctx context.Context, actionID string) error {
	path, err := p.Resolver.Resolve(actionID)
	if err != nil {
		return &PlaybackError{ActionID: actionID, Path: path, Err: err}
	}
	if err := p.playFile(ctx, path); err != nil {
		return &PlaybackError{ActionID: actionID, Path: path, Err: err}
	}
	return nil
}

func (p *FilePlayer) playFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var s stream
	switch formatOf(path) {
	case formatMP3:
		d, err := mp3.NewDecoder(f)
		if err != nil {
			return fmt.Errorf("mp3 decoder: %w", err)
		}
		s = d
	case formatWAV:
		w, err := decodeWAV(f)
		if err != nil {
			return err
		}
		s = w
	default:
		return ErrUnsupportedFormat
	}

	if want := p.out.sampleRate(); s.SampleRate() != want {
		return fmt.Errorf("%w: file is %d Hz, device is %d Hz", ErrSampleRate, s.SampleRate(), want)
	}
	return p.out.play(ctx, s)
}

// otoOutput owns the process-wide oto context. oto allows a single context
// per process, so it is created once and shared by every playback worker;
// each Play gets its own oto player and oto mixes them.
type otoOutput struct {
	ctx  *oto.Context
	rate int
	poll time.Duration
}

var (
	otoOnce sync.Once
	otoOut  *otoOutput
	otoErr  error
)

func openOto(rate int) (*otoOutput, error) {
	otoOnce.Do(func() {
		c, ready, err := oto.NewContext(rate, 2, 2)
		if err != nil {
			otoErr = fmt.Errorf("oto context: %w", err)
			return
		}
		<-ready
		otoOut = &otoOutput{ctx: c, rate: rate, poll: 15 * time.Millisecond}
	})
	return otoOut, otoErr
}

func (o *otoOutput) sampleRate() int { return o.rate }

func (o *otoOutput) play(ctx context.Context, pcm io.Reader) error {
	player := o.ctx.NewPlayer(pcm)
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

// LogPlayer stands in when no audio device is usable. It only logs.
type LogPlayer struct {
	Resolver Resolver
	Logger   *slog.Logger
}

// Play checks that the file exists, then logs what would have played.
func (p *LogPlayer) Play(_ context.Context, actionID string) error {
	path, err := p.Resolver.Resolve(actionID)
	if err != nil {
		return &PlaybackError{ActionID: actionID, Path: path, Err: err}
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("no audio backend available, skipping playback", slog.String("component", "audio"), slog.String("file", path))
	return nil
}

// ProbeOptions configures Probe.
type ProbeOptions struct {
	SoundsDir  string
	SampleRate int
	Disabled   bool // force the log-only backend
}

// Probe opens the system audio device. When that fails (headless host, no
// sound server) it falls back to LogPlayer so the bot keeps running. The
// returned name identifies the backend for logs and status.
func Probe(opts ProbeOptions) (Player, string) {
	res := Resolver{Dir: opts.SoundsDir}
	if opts.Disabled {
		return &LogPlayer{Resolver: res}, "log"
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	out, err := openOto(rate)
	if err != nil {
		slog.Warn("audio device unavailable, falling back to log-only playback", slog.String("component", "audio"), slog.Any("err", err))
		return &LogPlayer{Resolver: res}, "log"
	}
	slog.Info("audio backend ready", slog.String("component", "audio"), slog.String("backend", "oto"), slog.Int("sample_rate", rate))
	return &FilePlayer{Resolver: res, out: out}, "oto"
}
