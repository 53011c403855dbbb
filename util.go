package lockstep

import (
	"errors"
	"regexp"
	"strings"
)

// Validation errors
var (
	ErrInvalidAction   = errors.New("invalid action name")
	ErrInvalidTable    = errors.New("invalid table name")
	ErrInvalidRecordID = errors.New("invalid record id")
)

// actionNameRegex validates action names: alphanumeric, underscores, dots,
// colons, hyphens and slashes. Must start with a letter or underscore.
// Actions double as request paths, so the charset stays URL-safe.
var actionNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:/-]*$`)

// tableNameRegex validates table names: alphanumeric and underscores
var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxActionNameLen is the maximum allowed action name length
const maxActionNameLen = 256

// maxTableNameLen is the maximum allowed table name length
const maxTableNameLen = 128

// maxRecordIDLen is the maximum allowed record id length
const maxRecordIDLen = 512

// ValidateAction validates an action name.
func ValidateAction(action string) error {
	if action == "" {
		return ErrInvalidAction
	}
	if len(action) > maxActionNameLen {
		return ErrInvalidAction
	}
	// Check for path traversal attempts
	if strings.Contains(action, "..") || strings.HasPrefix(action, "/") {
		return ErrInvalidAction
	}
	if !actionNameRegex.MatchString(action) {
		return ErrInvalidAction
	}
	return nil
}

// ValidateTable validates a table name.
func ValidateTable(table string) error {
	if table == "" {
		return ErrInvalidTable
	}
	if len(table) > maxTableNameLen {
		return ErrInvalidTable
	}
	if !tableNameRegex.MatchString(table) {
		return ErrInvalidTable
	}
	return nil
}

// ValidateRecordID validates a record id.
func ValidateRecordID(id string) error {
	if id == "" {
		return ErrInvalidRecordID
	}
	if len(id) > maxRecordIDLen {
		return ErrInvalidRecordID
	}
	// Check for control characters
	for _, r := range id {
		if r < 32 {
			return ErrInvalidRecordID
		}
	}
	return nil
}
