package frames

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// writeFrame saves a 4x2 PNG whose top-left pixel encodes v.
func writeFrame(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.SetRGBA(0, 0, color.RGBA{R: v, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func readAll(t *testing.T, src Source) []*image.RGBA {
	t.Helper()
	r, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	var out []*image.RGBA
	for {
		f, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, f)
	}
}

func TestDirSource_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "002.png"), 2)
	writeFrame(t, filepath.Join(dir, "000.png"), 0)
	writeFrame(t, filepath.Join(dir, "001.PNG"), 1)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, DirSource{Dir: dir})
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Pix[0] != uint8(i) {
			t.Errorf("Frame %d has marker %d", i, f.Pix[0])
		}
	}
}

func TestDirSource_ReplayIsIdentical(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeFrame(t, filepath.Join(dir, string(rune('a'+i))+".png"), uint8(10*i))
	}
	src := DirSource{Dir: dir}

	first := readAll(t, src)
	second := readAll(t, src)
	if len(first) != len(second) {
		t.Fatalf("Replay length %d, want %d", len(second), len(first))
	}
	for i := range first {
		if string(first[i].Pix) != string(second[i].Pix) {
			t.Errorf("Frame %d differs between opens", i)
		}
	}
}

func TestDirSource_Missing(t *testing.T) {
	if _, err := (DirSource{Dir: filepath.Join(t.TempDir(), "nope")}).Open(context.Background()); err == nil {
		t.Error("Expected error for a missing directory")
	}
}

func TestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, filepath.Join(dir, "0.png"), 7)
	writeFrame(t, filepath.Join(dir, "1.png"), 8)
	src := First(DirSource{Dir: dir})

	a := readAll(t, src)
	b := readAll(t, src)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("Expected one frame per open, got %d and %d", len(a), len(b))
	}
	if a[0].Pix[0] != 7 {
		t.Errorf("First frame marker = %d, want 7", a[0].Pix[0])
	}
	a[0].Pix[0] = 99
	if b[0].Pix[0] != 7 {
		t.Error("Readers share the same frame buffer")
	}
}

func TestFirst_EmptySource(t *testing.T) {
	got := readAll(t, First(DirSource{Dir: t.TempDir()}))
	if len(got) != 0 {
		t.Errorf("Expected no frames, got %d", len(got))
	}
}

func TestApply(t *testing.T) {
	// 4x2 frame with a marker in the top-left corner.
	frame := image.NewRGBA(image.Rect(0, 0, 4, 2))
	frame.SetRGBA(0, 0, color.RGBA{R: 200, A: 255})

	t.Run("Rotate clockwise", func(t *testing.T) {
		got := Apply(frame, TransformConfig{Rotate: true, Crop: NoCrop})
		if got.Bounds().Dx() != 2 || got.Bounds().Dy() != 4 {
			t.Fatalf("Rotated size = %v, want 2x4", got.Bounds().Size())
		}
		// Top-left lands in the top-right corner.
		if got.RGBAAt(1, 0).R != 200 {
			t.Errorf("Marker not at top-right after rotation")
		}
	})

	t.Run("Crop with auto edges", func(t *testing.T) {
		got := Apply(frame, TransformConfig{Crop: Crop{Top: 1, Bottom: -1, Left: 1, Right: -1}})
		if got.Bounds().Dx() != 3 || got.Bounds().Dy() != 1 {
			t.Errorf("Cropped size = %v, want 3x1", got.Bounds().Size())
		}
	})

	t.Run("Resize factor", func(t *testing.T) {
		got := Apply(frame, TransformConfig{ResizeFactor: 2, Crop: NoCrop})
		if got.Bounds().Dx() != 2 || got.Bounds().Dy() != 1 {
			t.Errorf("Resized size = %v, want 2x1", got.Bounds().Size())
		}
	})
}

func TestTransform_Identity(t *testing.T) {
	src := DirSource{Dir: "x"}
	if got := Transform(src, TransformConfig{Crop: NoCrop}); got != Source(src) {
		t.Error("Identity transform should return the source unchanged")
	}
}

func TestFromPath(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "face.png")
	writeFrame(t, img, 1)

	tests := []struct {
		path  string
		still bool
	}{
		{path: dir, still: false},
		{path: img, still: true},
		{path: filepath.Join(dir, "clip.mp4"), still: false},
	}
	for _, tt := range tests {
		src, still := FromPath(tt.path)
		if still != tt.still {
			t.Errorf("FromPath(%s) still = %v, want %v", tt.path, still, tt.still)
		}
		if src == nil {
			t.Errorf("FromPath(%s) returned nil", tt.path)
		}
	}
	if _, ok := mustSource(FromPath(dir)).(DirSource); !ok {
		t.Error("Directory should map to DirSource")
	}
	if _, ok := mustSource(FromPath(filepath.Join(dir, "clip.mp4"))).(VideoSource); !ok {
		t.Error("Unknown extension should map to VideoSource")
	}
}

func mustSource(src Source, _ bool) Source { return src }
