package pipeline

import (
	"encoding/json"
	"strings"

	"voicecal/internal/config"
	"voicecal/internal/models"
)

// Validate applies the configured policy to ev. Required fields are checked
// by their JSON names, and start must carry at least one of the start fields.
func Validate(ev models.Event, policy config.ValidationConfig) error {
	fields, err := asMap(ev)
	if err != nil {
		return &ValidationError{Missing: []string{"(unreadable event)"}}
	}

	var missing []string
	for _, name := range policy.RequiredFields {
		if !present(fields[name]) {
			missing = append(missing, name)
		}
	}

	if len(policy.StartFields) > 0 && present(fields["start"]) {
		start, _ := fields["start"].(map[string]any)
		found := false
		for _, name := range policy.StartFields {
			if present(start[name]) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, "start."+strings.Join(policy.StartFields, "|"))
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func asMap(ev models.Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
