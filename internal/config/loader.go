package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parlance/internal/session"
	"github.com/MrWong99/parlance/internal/transport"
	"github.com/MrWong99/parlance/pkg/audio"
)

// KnownAudioSources lists the source names registered by [NewDefaultRegistry].
// Used by [Validate] to warn about unrecognised source names.
var KnownAudioSources = []string{"wav", "pcm"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// jsonSettings is the legacy flat config.json layout.
type jsonSettings struct {
	SubscriptionKey string `json:"SubscriptionKey"`
	ServiceRegion   string `json:"ServiceRegion"`
}

// LoadJSONSettings reads a config.json holding SubscriptionKey and
// ServiceRegion and returns a validated [Config] with every other field at
// its default. audioPath names the input file.
func LoadJSONSettings(path, audioPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decodeJSONSettings(data, audioPath)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

func decodeJSONSettings(data []byte, audioPath string) (*Config, error) {
	var s jsonSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	cfg := &Config{
		Service: ServiceConfig{SubscriptionKey: s.SubscriptionKey, ServiceRegion: s.ServiceRegion},
		Audio:   AudioConfig{Path: audioPath},
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Service
	svc := cfg.Service
	if svc.SubscriptionKey == "" && svc.Credential == "" {
		errs = append(errs, errors.New("service: subscription_key or credential is required"))
	}
	switch {
	case svc.Endpoint != "":
		if err := validateWSURL(svc.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("service.endpoint: %w", err))
		}
	case svc.ServiceRegion == "":
		errs = append(errs, errors.New("service: endpoint or service_region is required"))
	case !strings.Contains(svc.EndpointTemplate, "{region}"):
		errs = append(errs, fmt.Errorf("service.endpoint_template %q has no {region} placeholder", svc.EndpointTemplate))
	}
	for i, fb := range svc.FallbackEndpoints {
		if err := validateWSURL(fb); err != nil {
			errs = append(errs, fmt.Errorf("service.fallback_endpoints[%d]: %w", i, err))
		}
	}
	c := svc.Connect
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("service.connect.max_attempts must not be negative, got %d", c.MaxAttempts))
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		errs = append(errs, errors.New("service.connect backoff durations must not be negative"))
	}
	if c.InitialBackoff > 0 && c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		errs = append(errs, fmt.Errorf("service.connect.initial_backoff %s exceeds max_backoff %s", c.InitialBackoff, c.MaxBackoff))
	}

	// Translation
	tr := cfg.Translation
	if strings.TrimSpace(tr.SourceLanguage) == "" {
		errs = append(errs, errors.New("translation.source_language is required"))
	}
	seen := make(map[string]bool, len(tr.TargetLanguages))
	for i, lang := range tr.TargetLanguages {
		key := strings.ToLower(strings.TrimSpace(lang))
		if key == "" {
			errs = append(errs, fmt.Errorf("translation.target_languages[%d] is empty", i))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("translation.target_languages: duplicate language %q", lang))
		}
		seen[key] = true
	}

	// Audio
	a := cfg.Audio
	if a.Source != "" && !slices.Contains(KnownAudioSources, a.Source) {
		slog.Warn("unknown audio source name; it must be registered before use",
			"source", a.Source,
			"known", KnownAudioSources,
		)
	}
	if a.Path == "" {
		errs = append(errs, errors.New("audio.path is required"))
	}
	if err := a.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive, got %s", a.FrameDuration))
	}
	if a.Codec != "" && a.Codec != audio.CodecPCM && a.Codec != audio.CodecOpus {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm, opus", a.Codec))
	}
	if a.MaxPacketBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_packet_bytes must not be negative, got %d", a.MaxPacketBytes))
	}

	// Recorder
	if dsn := cfg.Recorder.PostgresDSN; dsn != "" {
		if _, err := pgxpool.ParseConfig(dsn); err != nil {
			errs = append(errs, fmt.Errorf("recorder.postgres_dsn: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// EndpointURL returns the primary service URL: Endpoint when set, otherwise
// EndpointTemplate expanded with ServiceRegion.
func (s ServiceConfig) EndpointURL() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	tmpl := s.EndpointTemplate
	if tmpl == "" {
		tmpl = DefaultEndpointTemplate
	}
	return strings.ReplaceAll(tmpl, "{region}", strings.ToLower(s.ServiceRegion))
}

// TransportOptions returns the client options for the connect settings.
// Fields not covered by the config keep their zero value.
func (s ServiceConfig) TransportOptions() transport.Options {
	return transport.Options{
		MaxAttempts:    s.Connect.MaxAttempts,
		InitialBackoff: s.Connect.InitialBackoff,
		MaxBackoff:     s.Connect.MaxBackoff,
	}
}

// SessionConfig converts cfg into the configuration of one session.
func (c *Config) SessionConfig() session.Config {
	voice := c.Translation.VoiceName
	if strings.EqualFold(voice, voiceDisabled) {
		voice = ""
	}
	return session.Config{
		SourceLanguage:  c.Translation.SourceLanguage,
		TargetLanguages: slices.Clone(c.Translation.TargetLanguages),
		VoiceName:       voice,
		Endpoint: transport.Endpoint{
			URL:       c.Service.EndpointURL(),
			Fallbacks: slices.Clone(c.Service.FallbackEndpoints),
		},
		Credentials: transport.Credentials{
			Key:   c.Service.SubscriptionKey,
			Token: c.Service.Credential,
		},
		Audio:          c.Audio.Format(),
		Codec:          c.Audio.Codec,
		MaxPacketBytes: c.Audio.MaxPacketBytes,
	}
}
