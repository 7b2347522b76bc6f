package mcp

import "strings"

// QualifiedName returns the catalog name for a server tool: "server.tool".
// Built-in tools are undotted, so the server part is never empty.
func QualifiedName(serverName, toolName string) string {
	return sanitizeServer(serverName) + "." + toolName
}

// SplitQualified splits a qualified tool name at the first dot. It returns
// ok=false for undotted names, which resolve against built-ins instead.
func SplitQualified(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// IsQualified reports whether name refers to a server tool.
func IsQualified(name string) bool {
	_, _, ok := SplitQualified(name)
	return ok
}

// sanitizeServer lowercases the configured server name and replaces anything
// outside [a-z0-9_-] with a hyphen. Dots in particular must not survive, or
// SplitQualified would cut the name in the wrong place.
func sanitizeServer(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "server"
	}
	return b.String()
}
