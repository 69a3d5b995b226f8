package config

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies the level and format to the standard logrus logger
func (l Log) Setup() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(l.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", l.Format)
	}
	return nil
}
