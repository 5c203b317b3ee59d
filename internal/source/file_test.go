package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeH264(t *testing.T, nalus ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.h264")
	if err := os.WriteFile(path, annexB(nalus...), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return path
}

func TestFileSource_LoopsAndPaces(t *testing.T) {
	path := writeH264(t,
		[]byte{0x67, 0x42, 0x00, 0x1f}, // SPS
		[]byte{0x68, 0xce, 0x3c, 0x80}, // PPS
		[]byte{0x65, 0x88, 0x84},       // IDR
		[]byte{0x41, 0x9a, 0x02},       // P slice
	)

	src, err := OpenFile(path, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wantTypes := []byte{7, 8, 5, 1, 7, 8}
	for i, want := range wantTypes {
		s, err := src.NextSample(ctx)
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if len(s.Data) <= len(annexBStartCode) {
			t.Fatalf("sample %d: too short: %x", i, s.Data)
		}
		if got := s.Data[len(annexBStartCode)] & 0x1f; got != want {
			t.Errorf("sample %d: expected NAL type %d, got %d", i, want, got)
		}
		slice := want == 5 || want == 1
		if slice && s.Duration != 10*time.Millisecond {
			t.Errorf("sample %d: expected 10ms duration, got %v", i, s.Duration)
		}
		if !slice && s.Duration != 0 {
			t.Errorf("sample %d: expected zero duration, got %v", i, s.Duration)
		}
	}
}

func TestFileSource_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.h264")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := OpenFile(path, 30)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	if _, err := src.NextSample(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestOpenFile_Errors(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.h264"), 30); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeH264(t, []byte{0x65, 0x01})
	if _, err := OpenFile(path, 0); err == nil {
		t.Error("expected error for zero frame rate")
	}
}

func TestFileSource_ContextCancelWhilePacing(t *testing.T) {
	path := writeH264(t, []byte{0x65, 0x88, 0x84})
	src, err := OpenFile(path, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := src.NextSample(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
