package messaging

import (
	"fmt"
	"strings"
)

// Topic syntax
const (
	// Separator splits routing keys and patterns into segments
	Separator = "."
	// SingleWildcard matches exactly one segment
	SingleWildcard = "*"
	// MultiWildcard matches zero or more trailing segments
	MultiWildcard = "#"
)

// Match reports whether routingKey matches the binding pattern.
//
// Both are split on "." and compared segment by segment: "*" matches exactly
// one segment, "#" matches whatever remains of the key including nothing, any
// other segment must be equal. The empty key has no segments, so it matches
// "#" and "" but not "*". This is RabbitMQ's zero-word key. A matcher that
// splits "" into one empty segment would let "*" match it; Match does not.
//
//	Match("alpha.*.gamma", "alpha.beta.gamma") == true
//	Match("alpha.#", "alpha")                  == true
//	Match("alpha.*", "alpha.beta.gamma")       == false
func Match(pattern, routingKey string) bool {
	if pattern == MultiWildcard {
		return true
	}

	p := newSegments(pattern)
	k := newSegments(routingKey)
	for {
		pseg, ok := p.next()
		if !ok {
			// pattern exhausted: match only if the key is too
			_, more := k.next()
			return !more
		}
		if pseg == MultiWildcard {
			return true
		}

		kseg, ok := k.next()
		if !ok {
			return false
		}
		if pseg != SingleWildcard && pseg != kseg {
			return false
		}
	}
}

// ValidatePattern checks that pattern uses a supported form. "#" is only
// allowed as the last segment.
func ValidatePattern(pattern string) error {
	p := newSegments(pattern)
	for i := 0; ; i++ {
		seg, ok := p.next()
		if !ok {
			return nil
		}
		if seg == MultiWildcard && !p.done {
			return fmt.Errorf("%w: %q has %q at segment %d, only a trailing %q is supported",
				ErrInvalidPattern, pattern, MultiWildcard, i, MultiWildcard)
		}
	}
}

// HasWildcards reports whether pattern contains a wildcard segment
func HasWildcards(pattern string) bool {
	p := newSegments(pattern)
	for {
		seg, ok := p.next()
		if !ok {
			return false
		}
		if seg == SingleWildcard || seg == MultiWildcard {
			return true
		}
	}
}

// Segments splits a routing key or pattern. The empty string has no segments.
func Segments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}

// segments iterates over the dot separated parts of a string without allocating
type segments struct {
	rest string
	done bool
}

func newSegments(s string) segments {
	return segments{rest: s, done: s == ""}
}

func (s *segments) next() (string, bool) {
	if s.done {
		return "", false
	}
	seg, rest, found := strings.Cut(s.rest, Separator)
	s.rest = rest
	s.done = !found
	return seg, true
}
