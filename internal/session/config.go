package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parlance/internal/transport"
	"github.com/MrWong99/parlance/pkg/audio"
)

// Config describes one session. It is built from the application
// configuration by the caller; [Config.Validate] is run by Start.
type Config struct {
	// SourceLanguage is the language spoken in the audio, e.g. "en-US".
	SourceLanguage string

	// TargetLanguages lists the translation targets in order. Codes must be
	// unique (case-insensitive).
	TargetLanguages []string

	// VoiceName selects the synthesis voice. Empty disables synthesis.
	VoiceName string

	Endpoint    transport.Endpoint
	Credentials transport.Credentials

	// Audio is the format of the audio sent to the service. Sources in a
	// different format are converted.
	Audio audio.Format

	// Codec names the wire codec; see [audio.NewCodec]. Empty means PCM.
	Codec string

	// MaxPacketBytes bounds a single AudioData packet. Zero selects
	// [audio.DefaultMaxPacketBytes].
	MaxPacketBytes int
}

// Validate reports every problem with c in one *Error with code
// ConfigInvalid.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SourceLanguage) == "" {
		errs = append(errs, errors.New("source language is required"))
	}
	if len(c.TargetLanguages) == 0 {
		errs = append(errs, errors.New("at least one target language is required"))
	}
	seen := make(map[string]bool, len(c.TargetLanguages))
	for i, lang := range c.TargetLanguages {
		key := strings.ToLower(strings.TrimSpace(lang))
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("target language %d is empty", i))
		case seen[key]:
			errs = append(errs, fmt.Errorf("target language %q listed twice", lang))
		}
		seen[key] = true
	}
	if c.Endpoint.URL == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Credentials.Key == "" && c.Credentials.Token == "" {
		errs = append(errs, errors.New("a subscription key or credential token is required"))
	}
	if err := c.Audio.Validate(); err != nil {
		errs = append(errs, err)
	} else if _, err := audio.NewCodec(c.Codec, c.Audio); err != nil {
		errs = append(errs, err)
	}
	if c.MaxPacketBytes < 0 {
		errs = append(errs, fmt.Errorf("max packet bytes must not be negative, got %d", c.MaxPacketBytes))
	}

	if len(errs) > 0 {
		return newError(CodeConfigInvalid, "invalid configuration", errors.Join(errs...))
	}
	return nil
}
