package envelope

import (
	"fmt"
	"strings"
)

// DefaultSubjectPrefix is the root of every subject the engine publishes on.
const DefaultSubjectPrefix = "semflow"

// Subject returns the NATS subject for the envelope: <prefix>.<topic>.<type>.
// Event types may themselves be dotted ("search.completed").
func (e Envelope) Subject(prefix string) string {
	return SubjectFor(prefix, e.Topic, e.Type)
}

// SubjectFor builds a subject from its parts.
func SubjectFor(prefix string, topic Topic, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(topic) + "." + eventType
}

// WildcardSubject matches every envelope under prefix.
func WildcardSubject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".>"
}

// ParseSubject splits a subject back into topic and event type.
func ParseSubject(prefix, subject string) (Topic, string, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", "", fmt.Errorf("subject %q outside prefix %q", subject, prefix)
	}
	topic, eventType, ok := strings.Cut(rest, ".")
	if !ok || eventType == "" {
		return "", "", fmt.Errorf("subject %q has no event type", subject)
	}
	t := Topic(topic)
	if !t.Valid() {
		return "", "", fmt.Errorf("subject %q has unknown topic %q", subject, topic)
	}
	return t, eventType, nil
}
