// Package ingest turns verified cheer notifications into log entries and
// decides which of them trigger a sound effect.
package ingest

import (
	"strings"

	"github.com/you/cheerfx/internal/core"
)

// Match applies the broadcaster's rules: the bits check, then the optional
// command prefix. Both must pass.
func Match(prefs core.AlertPreferences, bits int, message string) bool {
	bitsOK := bits >= prefs.MinBits
	if prefs.MatchBits {
		bitsOK = bits == prefs.MinBits
	}

	commandOK := true
	if prefs.MatchCommand && prefs.Command != "" {
		commandOK = strings.HasPrefix(message, prefs.Command)
	}
	return bitsOK && commandOK
}
