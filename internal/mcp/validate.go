package mcp

import (
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
)

// ValidateTools inspects the declared input schemas of the given tools and
// returns one warning per suspicious declaration: non-object schemas,
// undeclared required properties, and properties without a type.
func ValidateTools(server string, tools []mcp.Tool) []string {
	var warnings []string
	for _, tool := range tools {
		schema := tool.InputSchema
		if schema.Type != "" && schema.Type != "object" {
			warnings = append(warnings, fmt.Sprintf(
				"%s_%s: input schema type is %q, expected \"object\"",
				server, tool.Name, schema.Type,
			))
		}
		for _, name := range schema.Required {
			if _, ok := schema.Properties[name]; !ok {
				warnings = append(warnings, fmt.Sprintf(
					"%s_%s: required property %q is not declared",
					server, tool.Name, name,
				))
			}
		}
		for _, name := range sortedKeys(schema.Properties) {
			prop, ok := schema.Properties[name].(map[string]any)
			if !ok {
				warnings = append(warnings, fmt.Sprintf(
					"%s_%s: property %q has a malformed declaration",
					server, tool.Name, name,
				))
				continue
			}
			typ, ok := prop["type"].(string)
			if !ok || typ == "" {
				warnings = append(warnings, fmt.Sprintf(
					"%s_%s: property %q has no type",
					server, tool.Name, name,
				))
			}
		}
	}
	return warnings
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
