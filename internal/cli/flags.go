package cli

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/me/rollupd/pkg/model"
)

// parseSecurityContext decodes an inline JSON or YAML mapping.
func parseSecurityContext(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("parse security context: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("parse security context: not a mapping")
	}
	return m, nil
}

// isContinueWait reports whether err is the server's continue-wait reply.
func isContinueWait(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrContinueWait
}
