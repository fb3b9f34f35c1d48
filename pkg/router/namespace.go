package router

import (
	"strings"
)

// DefaultSeparator joins an upstream name and a native tool name.
const DefaultSeparator = ":"

// NamespaceStrategy generates the client-facing tool names for upstream tools
// and maps them back. Implementations must be deterministic and
// collision-free for a given upstream/tool pair.
type NamespaceStrategy interface {
	ToolName(upstream, tool string) string
	// Split recovers the upstream and native tool name. ok is false when name
	// does not carry an upstream prefix.
	Split(name string) (upstream, tool string, ok bool)
	// Separator is the string upstream names may not contain.
	Separator() string
}

// ServerPrefixNamespace prefixes every tool with the upstream name, separating
// them with a configurable delimiter (defaults to ":"). Names are split on the
// first delimiter, so native tool names may themselves contain it.
type ServerPrefixNamespace struct {
	Sep string
}

func (s ServerPrefixNamespace) Separator() string {
	if s.Sep == "" {
		return DefaultSeparator
	}
	return s.Sep
}

func (s ServerPrefixNamespace) ToolName(upstream, tool string) string {
	return upstream + s.Separator() + tool
}

func (s ServerPrefixNamespace) Split(name string) (string, string, bool) {
	upstream, tool, found := strings.Cut(name, s.Separator())
	if !found || upstream == "" || tool == "" {
		return "", "", false
	}
	return upstream, tool, true
}
