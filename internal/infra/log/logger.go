package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger создаёт zerolog для одного из бинарей: ingestor, scheduler
// или api. Имя сервиса попадает в каждую запись, чтобы логи разных
// процессов можно было разделить в общем потоке.
func NewLogger(appEnv, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if appEnv == "dev" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Logger().
		Level(level)
}
