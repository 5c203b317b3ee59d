package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"birbstream/native/internal/domain"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

// FileSource loops an Annex-B H264 file, pacing slices at a fixed frame rate.
type FileSource struct {
	path     string
	f        *os.File
	reader   *h264reader.H264Reader
	frameDur time.Duration
	ticker   *time.Ticker
}

// OpenFile opens path and prepares to play it at fps frames per second.
func OpenFile(path string, fps int) (*FileSource, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", fps)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	reader, err := h264reader.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("h264 reader %s: %w", path, err)
	}

	frameDur := time.Second / time.Duration(fps)
	log.Printf("[source] playing %s at %d fps", path, fps)
	return &FileSource{
		path:     path,
		f:        f,
		reader:   reader,
		frameDur: frameDur,
		ticker:   time.NewTicker(frameDur),
	}, nil
}

// NextSample returns the next NAL unit in Annex-B form. Slices wait for the
// next frame tick and carry the frame duration; parameter sets are returned
// immediately with zero duration. The file restarts at EOF.
func (s *FileSource) NextSample(ctx context.Context) (domain.MediaSample, error) {
	nal, err := s.nextNAL()
	if err != nil {
		return domain.MediaSample{}, err
	}

	var dur time.Duration
	if isSlice(nal.UnitType) {
		select {
		case <-ctx.Done():
			return domain.MediaSample{}, ctx.Err()
		case <-s.ticker.C:
		}
		dur = s.frameDur
	} else if err := ctx.Err(); err != nil {
		return domain.MediaSample{}, err
	}

	data := make([]byte, 0, len(annexBStartCode)+len(nal.Data))
	data = append(data, annexBStartCode...)
	data = append(data, nal.Data...)
	return domain.MediaSample{Data: data, Timestamp: time.Now(), Duration: dur}, nil
}

func (s *FileSource) nextNAL() (*h264reader.NAL, error) {
	nal, err := s.reader.NextNAL()
	if err == nil {
		return nal, nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", s.path, err)
	}
	reader, err := h264reader.NewReader(s.f)
	if err != nil {
		return nil, fmt.Errorf("h264 reader %s: %w", s.path, err)
	}
	s.reader = reader

	// A file without a single NAL unit would loop forever.
	nal, err = s.reader.NextNAL()
	if err != nil {
		return nil, err
	}
	return nal, nil
}

func isSlice(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceNonIdr || t == h264reader.NalUnitTypeCodedSliceIdr
}

// Close stops pacing and closes the file.
func (s *FileSource) Close() error {
	s.ticker.Stop()
	return s.f.Close()
}
