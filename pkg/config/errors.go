package config

import "errors"

var (
	ERR_INVALID_CONFIG error = errors.New("Invalid config")
)
