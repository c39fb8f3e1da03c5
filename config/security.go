package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/poselink/errors"
)

// Limits applied to configuration input.
const (
	maxConfigSize = 1 << 20 // config files are small; 1MB is generous
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

// validateConfigPath accepts JSON or YAML files. Relative paths must stay
// under the working directory.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "validateConfigPath", "empty path")
	case len(path) > maxPathLen:
		return errors.WrapInvalid(fmt.Errorf("path length %d exceeds %d", len(path), maxPathLen),
			"config", "validateConfigPath", "path length")
	}

	if !filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return errors.WrapInvalid(fmt.Errorf("%s escapes the working directory", path),
				"config", "validateConfigPath", "path traversal")
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return errors.WrapInvalid(fmt.Errorf("unsupported config file %s", path),
			"config", "validateConfigPath", "extension must be .json, .yaml or .yml")
	}
}

// safeReadFile reads a regular config file no larger than maxConfigSize.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "safeReadFile", "stat "+path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is not a regular file", path),
			"config", "safeReadFile", "file type")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapInvalid(fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), maxConfigSize),
			"config", "safeReadFile", "file size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "config", "safeReadFile", "read "+path)
	}
	return data, nil
}

// safeWriteFile writes data readable by the owner only; it may hold
// credentials.
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return errors.WrapInvalid(fmt.Errorf("%d bytes exceeds %d", len(data), maxConfigSize),
			"config", "safeWriteFile", "data size")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.WrapTransient(err, "config", "safeWriteFile", "write "+path)
	}
	return nil
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return errors.WrapInvalid(fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvVarLen),
			"config", "validateEnvVar", "length")
	}
	if strings.ContainsRune(value, 0) {
		return errors.WrapInvalid(fmt.Errorf("%s contains a NUL byte", key),
			"config", "validateEnvVar", "content")
	}
	return nil
}

// validateJSONDepth rejects nesting deeper than maxJSONDepth and unbalanced
// brackets before the document reaches the decoder.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString, escaped := false, false

	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth++; depth > maxJSONDepth {
				return errors.WrapInvalid(fmt.Errorf("nesting depth exceeds %d", maxJSONDepth),
					"config", "validateJSONDepth", "depth")
			}
		case '}', ']':
			if depth--; depth < 0 {
				return errors.WrapInvalid(errors.ErrInvalidData, "config", "validateJSONDepth", "unbalanced brackets")
			}
		}
	}

	if depth != 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "config", "validateJSONDepth", "unclosed brackets")
	}
	return nil
}
