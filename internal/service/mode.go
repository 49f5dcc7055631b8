package service

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects which accounts a sweep handles
type Mode string

const (
	ModePrepaid  Mode = "prepaid"
	ModePostpaid Mode = "postpaid"
)

var (
	// ErrSweepInProgress is returned when a sweep of the same mode holds the lock
	ErrSweepInProgress = errors.New("sweep already in progress")
	// ErrUnknownMode is returned for a mode other than prepaid or postpaid
	ErrUnknownMode = errors.New("unknown sweep mode")
)

// ParseMode parses a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePrepaid:
		return ModePrepaid, nil
	case ModePostpaid:
		return ModePostpaid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}
