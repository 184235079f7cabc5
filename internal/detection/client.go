package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
)

// Client is an HTTP client for an external detection service. Boxes in
// responses are normalized to 0-1 and converted to frame pixels.
type Client struct {
	mu            sync.RWMutex
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	minConfidence float64
	labels        []string
	logger        *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address       string
	Timeout       time.Duration
	APIKey        string
	MinConfidence float64
	Labels        []string
}

// ServiceStatus is the detection service health as reported by /status
type ServiceStatus struct {
	Connected      bool    `json:"connected"`
	ProcessedCount int64   `json:"processed_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// NewClient creates a new detection service client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detector address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Labels == nil {
		cfg.Labels = DefaultVehicleLabels
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        cfg.APIKey,
		minConfidence: cfg.MinConfidence,
		labels:        cfg.Labels,
		logger:        slog.Default().With("component", "detection_client"),
	}, nil
}

type detectResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Detections []struct {
		Label      string  `json:"label"`
		ObjectType string  `json:"object_type"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"detections"`
	ProcessTimeMs float64 `json:"process_time_ms"`
}

// Detect sends the whole frame for detection and returns vehicle detections
func (c *Client) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	data := frame.Data
	if len(data) == 0 || frame.Format != "jpeg" {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			c.recordError()
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		data = buf.Bytes()
	}

	body := map[string]interface{}{
		"frame_id":       frame.Index,
		"min_confidence": c.minConfidence,
		"image_data":     base64.StdEncoding.EncodeToString(data),
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return nil, fmt.Errorf("detection service returned status %d", resp.StatusCode)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordError()
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Success && result.Error != "" {
		c.recordError()
		return nil, fmt.Errorf("detection failed: %s", result.Error)
	}

	w, h := float64(frame.Width), float64(frame.Height)
	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		label := d.Label
		if label == "" {
			label = d.ObjectType
		}
		detections = append(detections, Detection{
			Label:      label,
			Confidence: d.Confidence,
			Box: geometry.Rect{
				X:      d.BBox.X * w,
				Y:      d.BBox.Y * h,
				Width:  d.BBox.Width * w,
				Height: d.BBox.Height * h,
			},
		})
	}

	return FilterVehicles(detections, c.labels, c.minConfidence), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// GetStatus returns the service status; an unreachable service reports
// Connected false rather than an error
func (c *Client) GetStatus(ctx context.Context) (*ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	defer resp.Body.Close()

	var result ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	result.Connected = true
	return &result, nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}
