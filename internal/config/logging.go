package config

import (
	"fmt"
	"io"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
)

// ConfigureLogging installs the process-wide apex/log handler.
func ConfigureLogging(format, level string, w io.Writer) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	switch format {
	case "json":
		log.SetHandler(jsonhandler.New(w))
	case "", "text":
		log.SetHandler(text.New(w))
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", format)
	}
	log.SetLevel(parsed)
	return nil
}
