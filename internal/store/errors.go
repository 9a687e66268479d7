package store

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrSettingsNotFound = errors.New("user settings not found")
)
