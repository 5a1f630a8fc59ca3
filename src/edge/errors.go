package main

import (
	"errors"
)

var (
	ERR_INTERRUPTED_BY_USER error = errors.New("Interrupted by user")
	ERR_SESSION_OVER        error = errors.New("Session time elapsed")
	ERR_BAD_ANALYZER        error = errors.New("Can't create analyzer")
)
