package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/visualmatrix/api/internal/client"
	"github.com/visualmatrix/api/internal/provider"
)

var ErrInvalidImage = errors.New("uploaded file is not a supported image")

// Normalizer re-encodes an uploaded image.
type Normalizer interface {
	Normalize(raw []byte) (provider.SourceImage, error)
}

// UploadService stores source images for analysis.
type UploadService struct {
	objects    client.ObjectStore
	normalizer Normalizer
	maxBytes   int64
}

func NewUploadService(objects client.ObjectStore, normalizer Normalizer, maxBytes int64) *UploadService {
	return &UploadService{objects: objects, normalizer: normalizer, maxBytes: maxBytes}
}

// StoredImage is where an uploaded source image ended up.
type StoredImage struct {
	// Ref is what workers load the image from.
	Ref string
	URL string
}

// StoreSource validates, normalises and stores a user's source image.
func (s *UploadService) StoreSource(ctx context.Context, userID string, file io.Reader) (*StoredImage, error) {
	raw, err := io.ReadAll(io.LimitReader(file, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(raw)) > s.maxBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, s.maxBytes)
	}

	img, err := s.normalizer.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	key := fmt.Sprintf("uploads/%s/%s.jpg", userID, uuid.New().String())
	url, err := s.objects.Upload(ctx, key, bytes.NewReader(img.Data), img.MIME)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	return &StoredImage{Ref: s.objects.Locator(key), URL: url}, nil
}
