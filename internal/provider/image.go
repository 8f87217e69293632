package provider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/disintegration/imaging"
)

// ImageLoader reads a source image reference and normalises it for
// embedding in provider requests.
type ImageLoader struct {
	httpClient *http.Client
	maxEdge    int
	// localRoot resolves relative references such as "uploads/x.jpg".
	localRoot string
}

func NewImageLoader(httpClient *http.Client, maxEdge int, localRoot string) *ImageLoader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ImageLoader{httpClient: httpClient, maxEdge: maxEdge, localRoot: localRoot}
}

// Load fetches ref (an http(s) URL or a filesystem path), fits it within the
// configured edge and re-encodes it as JPEG.
func (l *ImageLoader) Load(ctx context.Context, ref string) (SourceImage, error) {
	raw, err := l.read(ctx, ref)
	if err != nil {
		return SourceImage{}, err
	}
	return l.Normalize(raw)
}

// Normalize decodes raw image bytes and returns the JPEG form.
func (l *ImageLoader) Normalize(raw []byte) (SourceImage, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return SourceImage{}, fmt.Errorf("failed to decode source image: %w", err)
	}
	img = l.fit(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return SourceImage{}, fmt.Errorf("failed to encode source image: %w", err)
	}
	return SourceImage{Data: buf.Bytes(), MIME: "image/jpeg"}, nil
}

func (l *ImageLoader) fit(img image.Image) image.Image {
	if l.maxEdge <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= l.maxEdge && b.Dy() <= l.maxEdge {
		return img
	}
	return imaging.Fit(img, l.maxEdge, l.maxEdge, imaging.Lanczos)
}

func (l *ImageLoader) read(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create image request: %w", err)
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch source image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch source image: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	}

	path := ref
	if l.localRoot != "" && !strings.HasPrefix(ref, "/") {
		path = strings.TrimRight(l.localRoot, "/") + "/" + ref
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source image: %w", err)
	}
	return data, nil
}
