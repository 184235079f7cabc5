package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/timeutil"
)

// HTTPSnapshotSource polls a JPEG snapshot endpoint such as go2rtc's
// /api/frame.jpeg
type HTTPSnapshotSource struct {
	mu         sync.Mutex
	url        string
	httpClient *http.Client
	clock      timeutil.Clock
	index      int64
	closed     bool
	logger     *slog.Logger
}

// NewHTTPSnapshotSource creates a source for a go2rtc server and stream
// name. When stream is empty baseURL is used as the full snapshot URL.
func NewHTTPSnapshotSource(baseURL, stream string, timeout time.Duration) *HTTPSnapshotSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	u := baseURL
	if stream != "" {
		name := strings.ToLower(strings.ReplaceAll(stream, " ", "_"))
		u = fmt.Sprintf("%s/api/frame.jpeg?src=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(name))
	}
	return &HTTPSnapshotSource{
		url:        u,
		httpClient: &http.Client{Timeout: timeout},
		clock:      timeutil.RealClock{},
		logger:     slog.Default().With("component", "snapshot_source"),
	}
}

// URL returns the polled snapshot URL
func (s *HTTPSnapshotSource) URL() string {
	return s.url
}

// Next fetches and decodes one snapshot
func (s *HTTPSnapshotSource) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceExhausted
	}
	s.index++
	index := s.index
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Index: index, Err: err}
	}

	frame := NewFrame(index, img, s.clock.Now())
	frame.Data = data
	frame.Format = "jpeg"
	return frame, nil
}

// Close stops the source; subsequent Next calls report exhaustion
func (s *HTTPSnapshotSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.httpClient.CloseIdleConnections()
	return nil
}

var imageExtensions = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".bmp":  "bmp",
	".gif":  "gif",
	".tif":  "tiff",
	".tiff": "tiff",
}

// DirectorySource replays image files from a directory in name order
type DirectorySource struct {
	mu     sync.Mutex
	files  []string
	pos    int
	loop   bool
	index  int64
	clock  timeutil.Clock
	logger *slog.Logger
}

// NewDirectorySource lists the images in dir. With loop set the files are
// replayed forever.
func NewDirectorySource(dir string, loop bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)

	return &DirectorySource{
		files:  files,
		loop:   loop,
		clock:  timeutil.RealClock{},
		logger: slog.Default().With("component", "directory_source"),
	}, nil
}

// Len returns the number of files in one pass
func (s *DirectorySource) Len() int {
	return len(s.files)
}

// Next opens the next image file
func (s *DirectorySource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.pos >= len(s.files) {
		if !s.loop || len(s.files) == 0 {
			s.mu.Unlock()
			return nil, ErrSourceExhausted
		}
		s.pos = 0
	}
	path := s.files[s.pos]
	s.pos++
	s.index++
	index := s.index
	s.mu.Unlock()

	img, err := imaging.Open(path)
	if err != nil {
		s.logger.Warn("Failed to open frame", "path", path, "error", err)
		return nil, &DecodeError{Index: index, Err: err}
	}

	frame := NewFrame(index, img, s.clock.Now())
	frame.Format = imageExtensions[strings.ToLower(filepath.Ext(path))]
	return frame, nil
}

// Close ends the replay
func (s *DirectorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = len(s.files)
	s.loop = false
	return nil
}

// SliceSource replays in-memory images once
type SliceSource struct {
	mu     sync.Mutex
	images []image.Image
	pos    int
	clock  timeutil.Clock
}

// NewSliceSource creates a source over images. A nil clock uses wall time.
func NewSliceSource(images []image.Image, clock timeutil.Clock) *SliceSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SliceSource{images: images, clock: clock}
}

// Next returns the next image; frame indexes start at 1
func (s *SliceSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.images) {
		return nil, ErrSourceExhausted
	}
	img := s.images[s.pos]
	s.pos++
	return NewFrame(int64(s.pos), img, s.clock.Now()), nil
}

// Close drops the remaining images
func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = len(s.images)
	return nil
}
