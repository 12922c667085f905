package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// matchMenuOption returns the id of the first option matching reply, in list order.
func matchMenuOption(d models.MenuResponseData, reply string) (string, bool) {
	reply = strings.ToLower(strings.TrimSpace(reply))
	if reply == "" {
		return "", false
	}
	for i, opt := range d.Options {
		mt := opt.MatchType
		if mt == "" {
			mt = d.MatchType
		}
		if optionMatches(mt, opt.Value, i, reply) {
			return opt.ID, true
		}
	}
	return "", false
}

func optionMatches(mt models.MatchType, value string, index int, reply string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	switch mt {
	case models.MatchContains:
		return value != "" && strings.Contains(reply, value)
	case models.MatchNumber:
		n, err := strconv.Atoi(reply)
		if err != nil {
			return false
		}
		if want, err := strconv.Atoi(value); err == nil {
			return n == want
		}
		return n == index+1
	default:
		return reply == value
	}
}
