package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/socialhost/internal/frameworker"
)

// DefaultCapabilities is the allowlist every provider worker gets.
func DefaultCapabilities(logger *slog.Logger) frameworker.Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	return frameworker.Capabilities{
		"dump": func(args ...any) (any, error) {
			parts := make([]string, 0, len(args))
			for _, arg := range args {
				parts = append(parts, fmt.Sprint(arg))
			}
			logger.Info("worker dump", "message", strings.Join(parts, " "))
			return nil, nil
		},
	}
}
