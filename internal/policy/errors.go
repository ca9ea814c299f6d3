package policy

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid rules document. It carries every problem
// found, not just the first one. A ConfigError on reload leaves the previous
// configuration active.
type ConfigError struct {
	Errs []error
}

func (e *ConfigError) Error() string {
	if e == nil || len(e.Errs) == 0 {
		return "invalid configuration"
	}
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid configuration (%d problem(s)): %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual problems to errors.Is / errors.As.
func (e *ConfigError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return e.Errs
}
