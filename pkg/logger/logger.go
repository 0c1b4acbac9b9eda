// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New builds the process logger. Prod drops per-entry stacktraces (the
// Recover middleware logs its own) and samples repeats; anything else gets
// the human-readable development console.
func New(env string) Sugared {
	if env == "prod" {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		z, _ := cfg.Build()
		return z.Sugar()
	}
	z, _ := zap.NewDevelopment()
	return z.Sugar()
}
