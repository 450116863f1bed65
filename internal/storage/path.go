package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// DatasetKind selects which artifact of a session's dataset a key points at.
type DatasetKind string

const (
	DatasetSource       DatasetKind = "source.csv"
	DatasetMaterialized DatasetKind = "dataset.parquet"
)

// BuildDatasetPath lays datasets out as <owner>/sessions/<session>/<artifact>.
func BuildDatasetPath(ownerID, sessionID string, kind DatasetKind) (string, error) {
	if err := validatePathComponent(ownerID, "owner id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	switch kind {
	case DatasetSource, DatasetMaterialized:
	default:
		return "", fmt.Errorf("invalid dataset kind: %q", kind)
	}
	return path.Join(ownerID, "sessions", sessionID, string(kind)), nil
}

// SessionPrefix is the folder holding every artifact of one session.
func SessionPrefix(ownerID, sessionID string) (string, error) {
	if err := validatePathComponent(ownerID, "owner id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	return path.Join(ownerID, "sessions", sessionID) + "/", nil
}

// DatasetMetadata labels a stored artifact with the session it belongs to.
func DatasetMetadata(ownerID, sessionID string, kind DatasetKind) map[string]string {
	return map[string]string{
		"owner-id":   ownerID,
		"session-id": sessionID,
		"artifact":   string(kind),
	}
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
