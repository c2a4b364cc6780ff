package session

import (
	"strings"

	"github.com/MrWong99/parlance/pkg/events"
)

// Aggregator accumulates the per-language translations of the current
// utterance. Updates for a new utterance ID discard the previous set.
//
// Aggregator is not safe for concurrent use; the [Engine] guards it with
// its own mutex.
type Aggregator struct {
	// targets maps the lower-cased language code to the configured spelling.
	// A nil map accepts every language.
	targets map[string]string

	utterance uint64
	entries   events.Translations
}

// NewAggregator returns an Aggregator that keeps translations for targets
// only. With no targets every language is kept.
func NewAggregator(targets []string) *Aggregator {
	a := &Aggregator{entries: events.Translations{}}
	if len(targets) > 0 {
		a.targets = make(map[string]string, len(targets))
		for _, t := range targets {
			a.targets[strings.ToLower(t)] = t
		}
	}
	return a
}

// UpdateTranslations merges mapping into the translations of utteranceID,
// overwriting earlier text per language. Languages that are not targets and
// empty codes are ignored. It returns the number of entries applied.
func (a *Aggregator) UpdateTranslations(utteranceID uint64, mapping map[string]string) int {
	if utteranceID != a.utterance {
		a.utterance = utteranceID
		a.entries = events.Translations{}
	}
	applied := 0
	for lang, text := range mapping {
		key, ok := a.key(lang)
		if !ok {
			continue
		}
		a.entries[key] = text
		applied++
	}
	return applied
}

// Snapshot returns a copy of the translations of utteranceID. An utterance
// without updates yields an empty map.
func (a *Aggregator) Snapshot(utteranceID uint64) events.Translations {
	if utteranceID != a.utterance {
		return events.Translations{}
	}
	return a.entries.Clone()
}

// IsTarget reports whether lang is one of the configured targets.
func (a *Aggregator) IsTarget(lang string) bool {
	_, ok := a.key(lang)
	return ok && a.targets != nil
}

func (a *Aggregator) key(lang string) (string, bool) {
	if lang == "" {
		return "", false
	}
	if a.targets == nil {
		return lang, true
	}
	k, ok := a.targets[strings.ToLower(lang)]
	return k, ok
}
