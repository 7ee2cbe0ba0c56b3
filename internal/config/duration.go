package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes either a JSON number (seconds) or a Go duration string
// ("30s", "1m") into a time.Duration, since the native JSON config has no
// native duration type.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var asSeconds float64
	if err := json.Unmarshal(b, &asSeconds); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	*d = Duration(asSeconds * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }
