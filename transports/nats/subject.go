package nats

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/topicbus/messaging"
)

// ErrUnsupportedSubject is returned for routing keys and patterns that have no
// NATS subject equivalent
var ErrUnsupportedSubject = errors.New("nats transport: unsupported subject")

const natsFullWildcard = ">"

// subjectMapper translates routing keys and binding patterns into subjects
// under an optional prefix
type subjectMapper struct {
	prefix string
}

// Subject returns the subject a message with routingKey is published on
func (m subjectMapper) Subject(routingKey string) (string, error) {
	segs := messaging.Segments(routingKey)
	for _, seg := range segs {
		if err := checkToken(seg); err != nil {
			return "", fmt.Errorf("%w: routing key %q: %v", ErrUnsupportedSubject, routingKey, err)
		}
		if seg == messaging.SingleWildcard || seg == messaging.MultiWildcard {
			return "", fmt.Errorf("%w: routing key %q contains a wildcard", ErrUnsupportedSubject, routingKey)
		}
	}

	subject := m.join(segs)
	if subject == "" {
		return "", fmt.Errorf("%w: empty routing key needs a subject prefix", ErrUnsupportedSubject)
	}
	return subject, nil
}

// RoutingKey reverses Subject
func (m subjectMapper) RoutingKey(subject string) string {
	if m.prefix == "" {
		return subject
	}
	if subject == m.prefix {
		return ""
	}
	return strings.TrimPrefix(subject, m.prefix+messaging.Separator)
}

// Subjects returns the subjects to subscribe to for pattern.
//
// A trailing "#" becomes ">" plus the parent subject, since ">" needs at least
// one token and "#" also matches nothing.
func (m subjectMapper) Subjects(pattern string) ([]string, error) {
	if err := messaging.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	segs := messaging.Segments(pattern)
	for _, seg := range segs {
		if err := checkToken(seg); err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrUnsupportedSubject, pattern, err)
		}
	}

	if len(segs) > 0 && segs[len(segs)-1] == messaging.MultiWildcard {
		parent := segs[:len(segs)-1]
		subjects := []string{m.join(append(append([]string(nil), parent...), natsFullWildcard))}
		if base := m.join(parent); base != "" {
			subjects = append(subjects, base)
		}
		return subjects, nil
	}

	subject := m.join(segs)
	if subject == "" {
		return nil, fmt.Errorf("%w: empty pattern needs a subject prefix", ErrUnsupportedSubject)
	}
	return []string{subject}, nil
}

func (m subjectMapper) join(segs []string) string {
	if m.prefix != "" {
		segs = append([]string{m.prefix}, segs...)
	}
	return strings.Join(segs, messaging.Separator)
}

func checkToken(seg string) error {
	if seg == "" {
		return errors.New("empty segment")
	}
	if seg == natsFullWildcard {
		return fmt.Errorf("segment %q is reserved", natsFullWildcard)
	}
	if strings.ContainsAny(seg, " \t\r\n") {
		return fmt.Errorf("segment %q contains whitespace", seg)
	}
	return nil
}
