package campaign

import (
	"fmt"
	"regexp"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

var simplePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Personalize renders a campaign template for one recipient. {{name}} and
// {{phone}} come from the contact, other bare placeholders from the campaign
// variables and then the contact attributes; unknown ones render empty.
// Scoped {{contact.x}} and {{flow.x}} placeholders follow flow interpolation,
// with the campaign variables as the flow scope.
func Personalize(template string, vars map[string]string, contact *models.Contact, phone string) string {
	scoped := make(map[string]any, len(vars))
	for k, v := range vars {
		scoped[k] = v
	}
	out := flow.Interpolate(template, contact, scoped)

	return simplePlaceholder.ReplaceAllStringFunc(out, func(m string) string {
		key := simplePlaceholder.FindStringSubmatch(m)[1]
		switch key {
		case "name":
			if contact != nil {
				return contact.Name
			}
			return ""
		case "phone":
			if contact != nil && contact.Phone != "" {
				return contact.Phone
			}
			return phone
		}
		if v, ok := vars[key]; ok {
			return v
		}
		if contact != nil {
			if v, ok := contact.Attributes[key]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	})
}
