// Package personalize implements merge-tag substitution for campaign
// content. Tags use the {{field}} or {{field|default}} form; resolution
// checks the contact's standard fields first, then custom fields, both
// case-insensitively. Rendering never fails: an unresolved tag with no
// default renders as an empty string.
package personalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

var tagRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*(?:\|([^{}]*))?\}\}`)

// Personalize renders the template for a single contact. customFields is an
// extra value source layered over contact.CustomFields; pass nil when there
// is nothing to add.
func Personalize(template string, contact *domain.Contact, customFields map[string]any) string {
	if template == "" {
		return ""
	}
	return tagRe.ReplaceAllStringFunc(template, func(match string) string {
		parts := tagRe.FindStringSubmatch(match)
		field := parts[1]
		def := strings.TrimSpace(parts[2])

		if val, ok := resolve(field, contact, customFields); ok && val != "" {
			return val
		}
		return def
	})
}

// ExtractMergeTags returns the deduplicated field names referenced by the
// content, in order of first appearance. Defaults are not included.
func ExtractMergeTags(content string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, m := range tagRe.FindAllStringSubmatch(content, -1) {
		field := strings.ToLower(m[1])
		if !seen[field] {
			seen[field] = true
			tags = append(tags, field)
		}
	}
	return tags
}

func resolve(field string, contact *domain.Contact, customFields map[string]any) (string, bool) {
	key := strings.ToLower(field)

	if contact != nil {
		switch key {
		case "email":
			return contact.Email, true
		case "first_name":
			return contact.FirstName, true
		case "last_name":
			return contact.LastName, true
		case "full_name":
			return contact.FullName(), true
		}
	}

	if val, ok := lookup(customFields, key); ok {
		return val, true
	}
	if contact != nil {
		if val, ok := lookup(contact.CustomFields, key); ok {
			return val, true
		}
	}
	return "", false
}

func lookup(fields map[string]any, key string) (string, bool) {
	for k, v := range fields {
		if strings.ToLower(k) == key {
			if v == nil {
				return "", true
			}
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}
