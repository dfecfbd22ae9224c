package mqtt

import "strings"

// Topic suffixes under the configured root.
const (
	SuffixState        = "state"
	SuffixAvailability = "availability"
	SuffixCommand      = "command"
)

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// Topics builds topic strings under a root namespace such as "winkctl".
type Topics struct {
	root string
}

// NewTopics returns a builder for root. Surrounding slashes are dropped.
func NewTopics(root string) Topics {
	return Topics{root: strings.Trim(root, "/")}
}

// State is the retained snapshot topic.
func (t Topics) State() string { return t.build(SuffixState) }

// Availability carries Online while the daemon runs and Offline as the will.
func (t Topics) Availability() string { return t.build(SuffixAvailability) }

// Command is the topic for one remote command, e.g. {root}/command/move.
func (t Topics) Command(name string) string { return t.build(SuffixCommand, name) }

// CommandFilter matches every command topic.
func (t Topics) CommandFilter() string { return t.build(SuffixCommand, "+") }

// CommandName extracts the command from a topic matched by CommandFilter.
func (t Topics) CommandName(topic string) (string, bool) {
	prefix := t.build(SuffixCommand) + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(topic, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (t Topics) build(parts ...string) string {
	if t.root == "" {
		return strings.Join(parts, "/")
	}
	return t.root + "/" + strings.Join(parts, "/")
}
