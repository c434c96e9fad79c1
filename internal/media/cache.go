package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"

	// decoders for uploaded images
	_ "image/png"

	"github.com/google/uuid"
	"github.com/matgo18/TheyMissYou/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultQuality is the JPEG quality used when saving images
const DefaultQuality = 80

var (
	// ErrCompressionFailed is returned when an image cannot be encoded
	ErrCompressionFailed = errors.New("image compression failed")
	// ErrObjectNotFound is returned by storages for absent objects
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidName is returned for filenames that are not plain base names
	ErrInvalidName = errors.New("invalid media filename")
)

// Storage is the backing store for encoded images
type Storage interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Cache keeps encoded images in memory on top of a Storage. Entries are never
// evicted for the lifetime of the process.
type Cache struct {
	storage Storage
	quality int

	mu      sync.RWMutex
	entries map[string][]byte
}

// NewCache creates a cache over storage; quality <= 0 selects DefaultQuality
func NewCache(storage Storage, quality int) *Cache {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Cache{
		storage: storage,
		quality: quality,
		entries: make(map[string][]byte),
	}
}

// Decode reads an uploaded JPEG or PNG image
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Save compresses img, stores it under a new random filename and returns the filename
func (c *Cache) Save(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	filename := uuid.New().String() + ".jpg"
	data := buf.Bytes()
	if err := c.storage.Put(ctx, filename, data); err != nil {
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	c.mu.Lock()
	c.entries[filename] = data
	c.mu.Unlock()

	log.Debug().Str("filename", filename).Int("bytes", len(data)).Msg("Image saved")
	return filename, nil
}

// Load returns the encoded image; the second result is false when it does not exist
func (c *Cache) Load(ctx context.Context, filename string) ([]byte, bool) {
	c.mu.RLock()
	data, ok := c.entries[filename]
	c.mu.RUnlock()
	if ok {
		metrics.RecordMediaLookup(true)
		return data, true
	}
	metrics.RecordMediaLookup(false)

	data, err := c.storage.Get(ctx, filename)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) && !errors.Is(err, ErrInvalidName) {
			log.Warn().Err(err).Str("filename", filename).Msg("Failed to read image from storage")
		}
		return nil, false
	}

	c.mu.Lock()
	c.entries[filename] = data
	c.mu.Unlock()
	return data, true
}

// Delete removes the image from memory and storage; storage failures are ignored
func (c *Cache) Delete(ctx context.Context, filename string) {
	c.mu.Lock()
	delete(c.entries, filename)
	c.mu.Unlock()

	if err := c.storage.Delete(ctx, filename); err != nil {
		log.Debug().Err(err).Str("filename", filename).Msg("Failed to delete image from storage")
	}
}

// Len returns the number of images held in memory
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
