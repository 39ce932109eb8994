// Package config loads node configuration from CUE.
//
// A config file is unified with an embedded schema that supplies defaults,
// so a file only needs the fields it changes. JSON is valid CUE and is
// accepted as well.
//
//	checkpoint_interval: 32
//	directory: address: "127.0.0.1:7400"
//	log: level: "debug"
package config

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Config is the resolved node configuration.
type Config struct {
	CheckpointInterval uint64
	SessionTimeout     time.Duration
	// Database is the SQLite path. Empty means in-memory only.
	Database         string
	DirectoryAddress string
	LogLevel         string
	LogFormat        string
}

// file mirrors the CUE schema field for field.
type file struct {
	CheckpointInterval uint64 `json:"checkpoint_interval"`
	SessionTimeout     string `json:"session_timeout"`
	Database           string `json:"database"`
	Directory          struct {
		Address string `json:"address"`
	} `json:"directory"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse(nil, "default.cue")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and resolves the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse resolves CUE source against the schema. filename is used in error
// positions only.
func Parse(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).
		LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("compile %s: %w", filename, err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", filename, err)
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", filename, err)
	}
	timeout, err := time.ParseDuration(f.SessionTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("%s: session_timeout: %w", filename, err)
	}
	if timeout <= 0 {
		return Config{}, fmt.Errorf("%s: session_timeout must be positive", filename)
	}
	return Config{
		CheckpointInterval: f.CheckpointInterval,
		SessionTimeout:     timeout,
		Database:           f.Database,
		DirectoryAddress:   f.Directory.Address,
		LogLevel:           f.Log.Level,
		LogFormat:          f.Log.Format,
	}, nil
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Logger builds a logger writing to w in the configured format.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
