package policy

import (
	"regexp"
	"strings"
)

// WindowPlaceholder resolves to the id of the window being planned.
const WindowPlaceholder = "window"

var placeholderPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// RenderScope expands ${key} and ${key:-default} placeholders. ${userId} is the
// caller's user id; ${window} is windowID; other keys read normalized attributes.
func RenderScope(template, userID, windowID string, attrs map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		groups := placeholderPattern.FindStringSubmatch(token)
		key := strings.TrimSpace(groups[1])
		fallback := groups[2]
		var value string
		switch key {
		case "userId":
			value = userID
		case WindowPlaceholder:
			value = windowID
		default:
			value = attrs[key]
		}
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return value
	})
}

// FallbackScope is used when a policy has no template or it renders blank.
func FallbackScope(userID string, attrs map[string]string) string {
	kind := strings.TrimSpace(attrs["type"])
	if kind == "" {
		kind = "all"
	}
	return "user:" + userID + ":type:" + kind
}

// ScopeKey resolves the bucket key for one window of p. When a policy has several
// windows and its template does not name ${window}, the window id is appended so
// each window keeps its own bucket.
func (p *Policy) ScopeKey(windowID, userID string, attrs map[string]string) string {
	template := strings.TrimSpace(p.ScopeTemplate)
	scope := ""
	if template != "" {
		scope = strings.TrimSpace(RenderScope(template, userID, windowID, attrs))
	}
	if scope == "" {
		scope = FallbackScope(userID, attrs)
	}
	if len(p.Windows) > 1 && !templateUsesWindow(template) {
		scope += ":" + windowID
	}
	return scope
}

func templateUsesWindow(template string) bool {
	for _, groups := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if strings.TrimSpace(groups[1]) == WindowPlaceholder {
			return true
		}
	}
	return false
}
