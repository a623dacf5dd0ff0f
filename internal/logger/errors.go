package logger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLevel    = errors.New("logger: unsupported level")
	ErrEncoding = errors.New("logger: unsupported encoding")
)

func levelError(level string) error {
	return fmt.Errorf("%w %q (use %s)", ErrLevel, level, strings.Join(validLevels, ", "))
}

func encodingError(encoding string) error {
	return fmt.Errorf("%w %q (use %s)", ErrEncoding, encoding, strings.Join(validEncodings, " or "))
}

func buildError(err error) error {
	return fmt.Errorf("logger: zap build: %w", err)
}
