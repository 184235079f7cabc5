// Package config provides configuration management for the parking engine
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/classifier"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/tracker"
)

// Config represents the main configuration file
type Config struct {
	Version   string           `yaml:"version"`
	System    SystemConfig     `yaml:"system"`
	API       APIConfig        `yaml:"api"`
	EventBus  EventBusConfig   `yaml:"event_bus"`
	Source    SourceConfig     `yaml:"source"`
	Detector  DetectorConfig   `yaml:"detector"`
	Engine    EngineConfig     `yaml:"engine"`
	Reference *ReferenceConfig `yaml:"reference,omitempty"`
	Spaces    []geometry.Space `yaml:"spaces"`
	Groups    []geometry.Group `yaml:"groups,omitempty"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name          string         `yaml:"name"`
	DataPath      string         `yaml:"data_path"`
	RetentionDays int            `yaml:"retention_days"`
	Database      DatabaseConfig `yaml:"database"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Buffer is the number of recent entries kept for the logs endpoint
	Buffer int `yaml:"buffer"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// EventBusConfig holds the embedded NATS settings. Port 0 keeps the broker
// in-process only.
type EventBusConfig struct {
	Port int `yaml:"port"`
}

// Source types
const (
	SourceSnapshot  = "snapshot"
	SourceDirectory = "directory"
)

// SourceConfig selects where frames come from
type SourceConfig struct {
	Type      string        `yaml:"type"`
	URL       string        `yaml:"url,omitempty"`
	Stream    string        `yaml:"stream,omitempty"`
	Directory string        `yaml:"directory,omitempty"`
	Loop      bool          `yaml:"loop,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// DetectorConfig holds the external detection service settings
type DetectorConfig struct {
	Address string        `yaml:"address,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"`
}

// EngineConfig holds frame loop settings. Classifier fields sit directly
// under engine.
type EngineConfig struct {
	classifier.Config `yaml:",inline"`

	Tracker                   tracker.Config  `yaml:"tracker"`
	Hysteresis                int             `yaml:"hysteresis"`
	TargetFPS                 float64         `yaml:"target_fps"`
	HistoryInterval           time.Duration   `yaml:"history_interval"`
	MaxHistory                int             `yaml:"max_history"`
	MaxConsecutiveFrameErrors int             `yaml:"max_consecutive_frame_errors"`
	Workers                   int             `yaml:"workers"`
	GroupPolicy               geometry.Policy `yaml:"group_policy,omitempty"`
	ScaleToFrame              bool            `yaml:"scale_to_frame"`
	Autostart                 *bool           `yaml:"autostart,omitempty"`
}

// AutostartEnabled reports whether the loop starts with the process;
// unset means yes
func (e EngineConfig) AutostartEnabled() bool {
	return e.Autostart == nil || *e.Autostart
}

// ReferenceConfig is the size of the image the layout was drawn on
type ReferenceConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Default returns a config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	// Decrypt sensitive fields
	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return fmt.Errorf("config path is not set")
	}
	if c.encKey == nil {
		c.encKey = getEncryptionKey()
	}

	cfgCopy := c.copyUnlocked()
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Parking engine configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Copy returns a detached copy safe to read while the file reloads
func (c *Config) Copy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyUnlocked()
}

// copyUnlocked returns the data fields without the internal state
func (c *Config) copyUnlocked() *Config {
	return &Config{
		Version:   c.Version,
		System:    c.System,
		API:       c.API,
		EventBus:  c.EventBus,
		Source:    c.Source,
		Detector:  c.Detector,
		Engine:    c.Engine,
		Reference: c.Reference,
		Spaces:    append([]geometry.Space(nil), c.Spaces...),
		Groups:    append([]geometry.Group(nil), c.Groups...),
		path:      c.path,
		encKey:    c.encKey,
	}
}

// Watch starts watching for configuration file changes. The watcher stops
// when done is closed.
func (c *Config) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so atomic renames are seen
	path := c.GetPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				c.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk. Invalid files are logged and
// ignored so the running config stays in place.
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		slog.Error("Reloaded config is invalid", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.API = newCfg.API
	c.EventBus = newCfg.EventBus
	c.Source = newCfg.Source
	c.Detector = newCfg.Detector
	c.Engine = newCfg.Engine
	c.Reference = newCfg.Reference
	c.Spaces = newCfg.Spaces
	c.Groups = newCfg.Groups
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "spaces", len(newCfg.Spaces))

	for _, fn := range watchers {
		fn(c)
	}
}

// SetLayout replaces spaces and groups and saves the file
func (c *Config) SetLayout(spaces []geometry.Space, groups []geometry.Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Spaces = spaces
	c.Groups = groups
	return c.saveUnlocked()
}

// Layout returns copies of the configured spaces and groups
func (c *Config) Layout() ([]geometry.Space, []geometry.Group) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]geometry.Space(nil), c.Spaces...), append([]geometry.Group(nil), c.Groups...)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// DatabasePath returns the SQLite file path
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.System.Database.Path != "" {
		return c.System.Database.Path
	}
	return filepath.Join(c.System.DataPath, "parking.db")
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "Smart Parking"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "./data"
	}
	if c.System.RetentionDays == 0 {
		c.System.RetentionDays = 30
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Logging.Buffer == 0 {
		c.System.Logging.Buffer = 500
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Source.Type == "" {
		c.Source.Type = SourceSnapshot
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Detector.Timeout == 0 {
		c.Detector.Timeout = 30 * time.Second
	}

	def := engine.DefaultConfig()
	e := &c.Engine
	if e.Mode == "" {
		e.Mode = def.Classifier.Mode
	}
	if e.Method == "" {
		e.Method = def.Classifier.Method
	}
	if e.ThresholdMode == "" {
		e.ThresholdMode = def.Classifier.ThresholdMode
	}
	if e.ParkingThreshold == 0 {
		e.ParkingThreshold = def.Classifier.ParkingThreshold
		if e.ThresholdMode == classifier.ThresholdCount {
			e.ParkingThreshold = 500
		}
	}
	if e.DarkLevel == 0 {
		e.DarkLevel = def.Classifier.DarkLevel
	}
	if e.OverlapFraction == 0 {
		e.OverlapFraction = def.Classifier.OverlapFraction
	}
	if e.MinConfidence == 0 {
		e.MinConfidence = def.Classifier.MinConfidence
	}
	if e.Labels == nil {
		e.Labels = def.Classifier.Labels
	}
	if e.MotionMinSize == 0 {
		e.MotionMinSize = def.Classifier.MotionMinSize
	}
	if e.Tracker.MatchIoU == 0 {
		e.Tracker.MatchIoU = def.Tracker.MatchIoU
	}
	if e.Tracker.ConfirmAfter == 0 {
		e.Tracker.ConfirmAfter = def.Tracker.ConfirmAfter
	}
	if e.Tracker.RetireAfter == 0 {
		e.Tracker.RetireAfter = def.Tracker.RetireAfter
	}
	if e.Hysteresis == 0 {
		e.Hysteresis = def.Hysteresis
	}
	if e.TargetFPS == 0 {
		e.TargetFPS = def.TargetFPS
	}
	if e.HistoryInterval == 0 {
		e.HistoryInterval = def.HistoryInterval
	}
	if e.MaxHistory == 0 {
		e.MaxHistory = def.MaxHistory
	}
	if e.MaxConsecutiveFrameErrors == 0 {
		e.MaxConsecutiveFrameErrors = def.MaxConsecutiveFrameErrors
	}
}

// Validate checks the whole file. Engine problems are reported as an
// *engine.ConfigurationError together with the other fields.
func (c *Config) Validate() error {
	var errs geometry.FieldErrors

	c.mu.RLock()
	switch c.Source.Type {
	case SourceSnapshot:
		if c.Source.URL == "" {
			errs = append(errs, geometry.FieldError{Field: "source.url", Message: "required for snapshot sources"})
		}
	case SourceDirectory:
		if c.Source.Directory == "" {
			errs = append(errs, geometry.FieldError{Field: "source.directory", Message: "required for directory sources"})
		}
	default:
		errs = append(errs, geometry.FieldError{Field: "source.type", Message: fmt.Sprintf("unknown source type %q", c.Source.Type)})
	}
	if c.Engine.Mode == classifier.ModeModel && c.Detector.Address == "" {
		errs = append(errs, geometry.FieldError{Field: "detector.address", Message: "required in model mode"})
	}
	if c.System.RetentionDays < 0 {
		errs = append(errs, geometry.FieldError{Field: "system.retention_days", Message: "must not be negative"})
	}
	if c.EventBus.Port < 0 || c.EventBus.Port > 65535 {
		errs = append(errs, geometry.FieldError{Field: "event_bus.port", Message: "must be a valid port"})
	}
	c.mu.RUnlock()

	if _, err := c.EngineConfig(); err != nil {
		var cerr *engine.ConfigurationError
		if !errors.As(err, &cerr) {
			return err
		}
		errs = append(errs, cerr.Errors...)
	}

	if len(errs) > 0 {
		return &engine.ConfigurationError{Errors: errs}
	}
	return nil
}

// EngineConfig converts the file into a validated engine config. Missing
// space ids and sections are generated and duplicate regions dropped.
func (c *Config) EngineConfig() (engine.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.Engine
	cfg := engine.Config{
		Classifier:                e.Config,
		Tracker:                   e.Tracker,
		Hysteresis:                e.Hysteresis,
		TargetFPS:                 e.TargetFPS,
		HistoryInterval:           e.HistoryInterval,
		MaxHistory:                e.MaxHistory,
		MaxConsecutiveFrameErrors: e.MaxConsecutiveFrameErrors,
		Workers:                   e.Workers,
		DefaultPolicy:             e.GroupPolicy,
		Groups:                    append([]geometry.Group(nil), c.Groups...),
	}

	refW, refH := layoutExtent(c.Spaces)
	if c.Reference != nil {
		refW, refH = float64(c.Reference.Width), float64(c.Reference.Height)
		if e.ScaleToFrame {
			cfg.Reference = &engine.Reference{Width: c.Reference.Width, Height: c.Reference.Height}
		}
	}
	cfg.Spaces = geometry.Dedupe(geometry.AssignIDs(c.Spaces, refW, refH))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// layoutExtent is the bounding size of all spaces, used for sections when
// no reference image size is configured
func layoutExtent(spaces []geometry.Space) (float64, float64) {
	var w, h float64
	for _, s := range spaces {
		b := s.Bounds()
		w = max(w, b.X+b.Width)
		h = max(h, b.Y+b.Height)
	}
	return w, h
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	if c.Detector.APIKey != "" && !strings.HasPrefix(c.Detector.APIKey, "encrypted:") {
		encrypted, err := encrypt(c.encKey, c.Detector.APIKey)
		if err != nil {
			return err
		}
		c.Detector.APIKey = "encrypted:" + encrypted
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	if strings.HasPrefix(c.Detector.APIKey, "encrypted:") {
		decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.Detector.APIKey, "encrypted:"))
		if err != nil {
			return err
		}
		c.Detector.APIKey = decrypted
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or the
// built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("PARKING_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("parking-default-key-change-me!!!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
