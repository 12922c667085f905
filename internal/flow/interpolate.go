package flow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z0-9_.]+)\s*\}\}`)

// Interpolate replaces {{contact.field}} and {{flow.path}} placeholders.
// Unknown scopes and fields render as the empty string. Placeholders without
// a scope are left untouched.
func Interpolate(template string, contact *models.Contact, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		scope, field := sub[1], sub[2]
		switch scope {
		case "contact":
			return contactField(contact, field)
		case "flow":
			v, ok := lookupPath(vars, field)
			if !ok || v == nil {
				return ""
			}
			return fmt.Sprint(v)
		}
		return ""
	})
}

func contactField(c *models.Contact, field string) string {
	if c == nil {
		return ""
	}
	switch field {
	case "id":
		return c.ID
	case "name":
		return c.Name
	case "phone":
		return c.Phone
	case "channelAddress":
		return c.ChannelAddress
	}
	v, ok := lookupPath(c.Attributes, field)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// lookupPath walks nested maps along a dotted path.
func lookupPath(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
