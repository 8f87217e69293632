package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/visualmatrix/api/internal/client"
	"github.com/visualmatrix/api/internal/provider"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStoreSource(t *testing.T) {
	dir := t.TempDir()
	objects, err := client.NewLocalStore(dir, "/files")
	if err != nil {
		t.Fatal(err)
	}
	loader := provider.NewImageLoader(http.DefaultClient, 512, dir)
	svc := NewUploadService(objects, loader, 1<<20)

	stored, err := svc.StoreSource(context.Background(), "u1", bytes.NewReader(pngBytes(t, 64, 32)))
	if err != nil {
		t.Fatalf("StoreSource: %v", err)
	}
	if !strings.HasPrefix(stored.Ref, "uploads/u1/") || !strings.HasSuffix(stored.Ref, ".jpg") {
		t.Errorf("unexpected ref %q", stored.Ref)
	}
	if stored.URL != "/files/"+stored.Ref {
		t.Errorf("unexpected url %q", stored.URL)
	}
	if _, err := os.Stat(filepath.Join(dir, stored.Ref)); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
}

func TestStoreSource_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	objects, _ := client.NewLocalStore(dir, "/files")
	svc := NewUploadService(objects, provider.NewImageLoader(http.DefaultClient, 512, dir), 1024)

	if _, err := svc.StoreSource(context.Background(), "u1", strings.NewReader("not an image")); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage for garbage, got %v", err)
	}
	big := bytes.Repeat([]byte{0}, 2048)
	if _, err := svc.StoreSource(context.Background(), "u1", bytes.NewReader(big)); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage for oversized upload, got %v", err)
	}
}
