package storage

import (
	"fmt"
	"strings"

	logx "pogobot/pkg/logx"
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

var openers = map[string]func(Config, logx.Logger) (Store, error){
	DriverFile:   openFile,
	DriverSQLite: openSQLite,
}

// NormalizeDriver folds case and whitespace. Disabled storage yields "".
func NormalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "none":
		return ""
	case "sqlite3":
		return DriverSQLite
	}
	return d
}

// Open returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := NormalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, nil
	}
	open, ok := openers[driver]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Driver = driver
	return open(cfg, log)
}
