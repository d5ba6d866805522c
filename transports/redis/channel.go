package redis

import (
	"strings"

	"github.com/glimte/topicbus/messaging"
)

// channelMapper translates routing keys into channels and binding patterns
// into PSUBSCRIBE globs under an optional prefix
type channelMapper struct {
	prefix string
}

// Channel returns the channel a message with routingKey is published on
func (m channelMapper) Channel(routingKey string) string {
	if m.prefix == "" {
		return routingKey
	}
	if routingKey == "" {
		return m.prefix
	}
	return m.prefix + messaging.Separator + routingKey
}

// RoutingKey reverses Channel. It reports false for channels outside the prefix.
func (m channelMapper) RoutingKey(channel string) (string, bool) {
	if m.prefix == "" {
		return channel, true
	}
	if channel == m.prefix {
		return "", true
	}
	return strings.CutPrefix(channel, m.prefix+messaging.Separator)
}

// Glob returns a PSUBSCRIBE pattern matching every channel pattern can match.
// Redis "*" also crosses dots, so the glob is a superset and deliveries must
// still be checked with messaging.Match.
func (m channelMapper) Glob(pattern string) string {
	var parts []string
	if m.prefix != "" {
		parts = append(parts, escapeGlob(m.prefix))
	}

	hash := false
	for _, seg := range messaging.Segments(pattern) {
		switch seg {
		case messaging.MultiWildcard:
			hash = true
		case messaging.SingleWildcard:
			parts = append(parts, "*")
		default:
			parts = append(parts, escapeGlob(seg))
		}
	}

	glob := strings.Join(parts, messaging.Separator)
	if hash {
		glob += "*"
	}
	return glob
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
