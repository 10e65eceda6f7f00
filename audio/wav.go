package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavStream is the PCM payload of a WAV file, normalised to interleaved
// 16-bit little-endian stereo.
type wavStream struct {
	io.Reader
	sampleRate int
	channels   int
}

func (w *wavStream) SampleRate() int { return w.sampleRate }

// decodeWAV reads RIFF headers up to the data chunk. Only uncompressed 16-bit
// PCM with one or two channels is accepted.
func decodeWAV(r io.Reader) (*wavStream, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: short RIFF header", ErrUnsupportedFormat)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE file", ErrUnsupportedFormat)
	}

	var (
		haveFmt    bool
		channels   int
		sampleRate int
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too small", ErrUnsupportedFormat)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("%w: truncated fmt chunk", ErrUnsupportedFormat)
			}
			audioFormat := binary.LittleEndian.Uint16(buf[0:2])
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if audioFormat != 1 || bits != 16 || channels < 1 || channels > 2 {
				return nil, fmt.Errorf("%w: want 16-bit PCM mono/stereo, got format=%d bits=%d channels=%d",
					ErrUnsupportedFormat, audioFormat, bits, channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			var pcm io.Reader = io.LimitReader(r, size)
			if channels == 1 {
				pcm = &monoToStereo{r: pcm}
			}
			return &wavStream{Reader: pcm, sampleRate: sampleRate, channels: channels}, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return nil, fmt.Errorf("%w: truncated %q chunk", ErrUnsupportedFormat, id)
			}
		}
		// chunks are word aligned
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
		}
	}
}

// monoToStereo duplicates each 16-bit sample into both channels.
type monoToStereo struct {
	r    io.Reader
	out  []byte
	half [1]byte // odd byte left from the previous read
	odd  bool
}

func (m *monoToStereo) Read(p []byte) (int, error) {
	for len(m.out) == 0 {
		in := make([]byte, 2+len(p)/2)
		start := 0
		if m.odd {
			in[0] = m.half[0]
			start = 1
		}
		n, err := m.r.Read(in[start:])
		n += start
		m.odd = n%2 == 1
		if m.odd {
			m.half[0] = in[n-1]
			n--
		}
		for i := 0; i+1 < n; i += 2 {
			m.out = append(m.out, in[i], in[i+1], in[i], in[i+1])
		}
		if err != nil {
			if len(m.out) == 0 {
				return 0, err
			}
			break
		}
	}
	n := copy(p, m.out)
	m.out = m.out[n:]
	return n, nil
}
