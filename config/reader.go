package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/vision/similarity"
)

// Read reads a config from the given file. `${VAR}` references are replaced from the
// environment first.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	cfg := Config{
		ConfigFilePath: originalPath,
		Settings:       DefaultSettings(),
		Similarity:     similarity.DefaultConfig(),
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	if err := cfg.Ensure(); err != nil {
		return nil, errors.Wrapf(err, "failed to process Config")
	}
	logger.Debugw("config read", "path", originalPath, "model", cfg.Model.Path, "replay", cfg.Replay.Dir)
	return &cfg, nil
}
