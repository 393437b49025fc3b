package agent

import (
	"encoding/json"
	"fmt"
)

// Factory builds a behavior from the free-form settings of an agent spec.
type Factory func(settings map[string]any) (Behavior, error)

// DecodeSettings copies settings into the struct pointed to by v.
func DecodeSettings(settings map[string]any, v any) error {
	if len(settings) == 0 {
		return nil
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}
