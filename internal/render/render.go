// Package render implements merge-field substitution for campaign templates.
// Rendering is a pure function of (template, attributes): no control flow, no
// lookups beyond the attribute map, and a missing attribute renders as an
// empty string so missing data never blocks a send.
package render

import (
	"regexp"
	"strings"
)

var (
	// {{#field}}...{{/field}} keeps the block when the attribute is set;
	// {{^field}}...{{/field}} keeps it when the attribute is empty.
	conditionalPattern = regexp.MustCompile(`(?s)\{\{([#^])([A-Za-z0-9_]+)\}\}(.*?)\{\{/([A-Za-z0-9_]+)\}\}`)
	fieldPattern       = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)
)

// Render substitutes {{field}} placeholders and resolves conditional blocks
// against the given attributes.
func Render(template string, attrs map[string]string) string {
	if template == "" {
		return ""
	}

	result := conditionalPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := conditionalPattern.FindStringSubmatch(match)
		marker, open, content, closing := groups[1], groups[2], groups[3], groups[4]
		if open != closing {
			// Mismatched block, leave it for the plain-field pass.
			return match
		}

		hasValue := strings.TrimSpace(attrs[open]) != ""
		if (marker == "#") == hasValue {
			return content
		}
		return ""
	})

	return fieldPattern.ReplaceAllStringFunc(result, func(match string) string {
		name := fieldPattern.FindStringSubmatch(match)[1]
		return attrs[name]
	})
}
