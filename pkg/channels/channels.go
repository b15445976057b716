package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Package channels loads monitored source channel definitions (YAML/JSON).

// Policy values accepted in channel files.
const (
	ScanSequential = "sequential"
	ScanParallel   = "parallel"

	DetectPush = "push"
	DetectPoll = "poll"
	DetectBoth = "both"

	ListingPlaylistItems = "playlistItems"
	ListingActivities    = "activities"

	PublishAPI     = "api"
	PublishBrowser = "browser"

	RenderCompress   = "compress"
	RenderLoopExtend = "loop-extend"

	defaultFreshnessSeconds    = 150
	defaultPollIntervalSeconds = 30
	defaultConcurrency         = 1
	defaultVideoFormat         = "18/best[ext=mp4]"
)

var channelIDPattern = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)

// Destination identifies the account items are published to.
type Destination struct {
	Account     string `json:"account" yaml:"account"`
	SessionFile string `json:"session_file" yaml:"session_file"`
	APIURL      string `json:"api_url" yaml:"api_url"`
}

// ChannelConfig is the full policy for one monitored source channel.
type ChannelConfig struct {
	ID                  string      `json:"id" yaml:"id"`
	Name                string      `json:"name" yaml:"name"`
	Enabled             *bool       `json:"enabled" yaml:"enabled"`
	APIKeys             []string    `json:"api_keys" yaml:"api_keys"`
	ScanMethod          string      `json:"scan_method" yaml:"scan_method"`
	DetectMethod        string      `json:"detect_method" yaml:"detect_method"`
	ListingAPI          string      `json:"listing_api" yaml:"listing_api"`
	PublishMethod       string      `json:"publish_method" yaml:"publish_method"`
	RenderPolicy        string      `json:"render_policy" yaml:"render_policy"`
	Render              *bool       `json:"render" yaml:"render"`
	FreshnessSeconds    *int64      `json:"freshness_seconds" yaml:"freshness_seconds"`
	PollIntervalSeconds int64       `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	Concurrency         int         `json:"concurrency" yaml:"concurrency"`
	HumanBehavior       *bool       `json:"human_behavior" yaml:"human_behavior"`
	Proxy               string      `json:"proxy" yaml:"proxy"`
	UserAgent           string      `json:"user_agent" yaml:"user_agent"`
	VideoFormat         string      `json:"video_format" yaml:"video_format"`
	SourceCookiesFile   string      `json:"source_cookies_file" yaml:"source_cookies_file"`
	Alerts              string      `json:"alerts" yaml:"alerts"`
	Destination         Destination `json:"destination" yaml:"destination"`

	proxy *Proxy
}

// InvalidChannel is an entry that failed validation. Only that channel is
// affected; the rest of the file still loads.
type InvalidChannel struct {
	Index int
	ID    string
	Err   error
}

type configFile struct {
	Channels []ChannelConfig `json:"channels" yaml:"channels"`
}

// Registry holds the channels loaded from a file.
type Registry struct {
	mu       sync.RWMutex
	channels []ChannelConfig
	idx      map[string]ChannelConfig
	invalid  []InvalidChannel
}

// LoadRegistry loads the channel registry from a YAML/JSON file. File-level
// problems are returned as errors; per-entry problems are collected in Invalid.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("channels file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open channels file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseRegistry(raw, filepath.Ext(path))
}

// ParseRegistry builds a Registry from raw file content.
func ParseRegistry(raw []byte, ext string) (*Registry, error) {
	file, err := parseChannelFile(raw, ext)
	if err != nil {
		return nil, err
	}
	if len(file.Channels) == 0 {
		return nil, errors.New("channels file contains no channels entries")
	}

	reg := &Registry{idx: make(map[string]ChannelConfig, len(file.Channels))}
	for i := range file.Channels {
		cfg := sanitizeChannel(file.Channels[i])
		if err := cfg.Validate(); err != nil {
			reg.invalid = append(reg.invalid, InvalidChannel{Index: i, ID: cfg.ID, Err: err})
			continue
		}
		if _, exists := reg.idx[cfg.ID]; exists {
			reg.invalid = append(reg.invalid, InvalidChannel{Index: i, ID: cfg.ID, Err: fmt.Errorf("duplicate channel id %q", cfg.ID)})
			continue
		}
		reg.channels = append(reg.channels, cfg)
		reg.idx[cfg.ID] = cfg
	}
	return reg, nil
}

func parseChannelFile(data []byte, ext string) (configFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var file configFile
		if err := d.fn(data, &file); err == nil {
			return file, nil
		}
	}
	return configFile{}, errors.New("channels file format not recognized (expected YAML or JSON)")
}

func sanitizeChannel(c ChannelConfig) ChannelConfig {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Enabled == nil {
		def := true
		c.Enabled = &def
	}

	keys := make([]string, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.APIKeys = keys

	c.ScanMethod = normalize(c.ScanMethod, ScanSequential)
	switch c.ScanMethod {
	case "sequence":
		c.ScanMethod = ScanSequential
	}
	c.DetectMethod = normalize(c.DetectMethod, DetectBoth)
	c.DetectMethod = strings.TrimSuffix(c.DetectMethod, "-only")
	switch strings.ToLower(strings.TrimSpace(c.ListingAPI)) {
	case "", "playlistitems", "playlist":
		c.ListingAPI = ListingPlaylistItems
	case "activities":
		c.ListingAPI = ListingActivities
	}
	c.PublishMethod = normalize(c.PublishMethod, PublishAPI)
	c.RenderPolicy = normalize(c.RenderPolicy, RenderLoopExtend)
	if c.Render == nil {
		def := true
		c.Render = &def
	}
	if c.FreshnessSeconds == nil {
		def := int64(defaultFreshnessSeconds)
		c.FreshnessSeconds = &def
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	c.Proxy = strings.TrimSpace(c.Proxy)
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	c.VideoFormat = strings.TrimSpace(c.VideoFormat)
	if c.VideoFormat == "" {
		c.VideoFormat = defaultVideoFormat
	}
	c.SourceCookiesFile = strings.TrimSpace(c.SourceCookiesFile)
	c.Alerts = strings.TrimSpace(c.Alerts)
	c.Destination.Account = strings.TrimSpace(c.Destination.Account)
	c.Destination.SessionFile = strings.TrimSpace(c.Destination.SessionFile)
	c.Destination.APIURL = strings.TrimSpace(c.Destination.APIURL)
	return c
}

func normalize(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}

// Validate checks that the channel can run. A sanitized config is expected.
func (c *ChannelConfig) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if !channelIDPattern.MatchString(c.ID) {
		return fmt.Errorf("id %q is not a channel id (UC + 22 characters)", c.ID)
	}
	if c.ScanMethod != ScanSequential && c.ScanMethod != ScanParallel {
		return fmt.Errorf("scan_method %q must be %s or %s", c.ScanMethod, ScanSequential, ScanParallel)
	}
	switch c.DetectMethod {
	case DetectPush, DetectPoll, DetectBoth:
	default:
		return fmt.Errorf("detect_method %q must be push, poll or both", c.DetectMethod)
	}
	if c.ListingAPI != ListingPlaylistItems && c.ListingAPI != ListingActivities {
		return fmt.Errorf("listing_api %q must be %s or %s", c.ListingAPI, ListingPlaylistItems, ListingActivities)
	}
	if c.DetectMethod != DetectPush && len(c.APIKeys) == 0 {
		return fmt.Errorf("api_keys required when detect_method is %q", c.DetectMethod)
	}
	if c.PublishMethod != PublishAPI && c.PublishMethod != PublishBrowser {
		return fmt.Errorf("publish_method %q must be %s or %s", c.PublishMethod, PublishAPI, PublishBrowser)
	}
	if c.RenderPolicy != RenderCompress && c.RenderPolicy != RenderLoopExtend {
		return fmt.Errorf("render_policy %q must be %s or %s", c.RenderPolicy, RenderCompress, RenderLoopExtend)
	}
	if c.FreshnessSeconds != nil && *c.FreshnessSeconds < 0 {
		return errors.New("freshness_seconds must not be negative")
	}
	if c.Destination.SessionFile == "" {
		return errors.New("destination.session_file is required")
	}
	if c.Proxy != "" {
		p, err := ParseProxy(c.Proxy)
		if err != nil {
			return err
		}
		c.proxy = &p
	}
	return nil
}

// Active reports whether the channel should be scheduled.
func (c ChannelConfig) Active() bool { return c.Enabled == nil || *c.Enabled }

// Freshness returns the maximum item age eligible for processing.
func (c ChannelConfig) Freshness() time.Duration {
	if c.FreshnessSeconds == nil {
		return defaultFreshnessSeconds * time.Second
	}
	return time.Duration(*c.FreshnessSeconds) * time.Second
}

// PollInterval returns the delay between listing queries.
func (c ChannelConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HumanBehaviorOr resolves the per-channel flag against the global default.
func (c ChannelConfig) HumanBehaviorOr(def bool) bool {
	if c.HumanBehavior == nil {
		return def
	}
	return *c.HumanBehavior
}

// RenderEnabled reports whether the render stage transforms media.
func (c ChannelConfig) RenderEnabled() bool { return c.Render == nil || *c.Render }

// UsesPush reports whether the push path is active.
func (c ChannelConfig) UsesPush() bool { return c.DetectMethod == DetectPush || c.DetectMethod == DetectBoth }

// UsesPoll reports whether the poll path is active.
func (c ChannelConfig) UsesPoll() bool { return c.DetectMethod == DetectPoll || c.DetectMethod == DetectBoth }

// ProxySpec returns the parsed proxy, if any.
func (c ChannelConfig) ProxySpec() (Proxy, bool) {
	if c.proxy == nil {
		return Proxy{}, false
	}
	return *c.proxy, true
}

// ByID returns the channel config by id.
func (r *Registry) ByID(id string) (ChannelConfig, bool) {
	if r == nil {
		return ChannelConfig{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.idx[strings.TrimSpace(id)]
	return cfg, ok
}

// All returns all valid channels in file order.
func (r *Registry) All() []ChannelConfig {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelConfig, len(r.channels))
	copy(out, r.channels)
	return out
}

// Active returns valid, enabled channels.
func (r *Registry) Active() []ChannelConfig {
	var out []ChannelConfig
	for _, c := range r.All() {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// Invalid returns entries rejected by validation.
func (r *Registry) Invalid() []InvalidChannel {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InvalidChannel, len(r.invalid))
	copy(out, r.invalid)
	return out
}

// IDs returns the sorted ids of valid channels.
func (r *Registry) IDs() []string {
	all := r.All()
	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}
