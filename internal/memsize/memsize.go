// Package memsize parses the small string grammars used in the agent
// file's docker block: memory sizes, volume mounts, and uid[:gid] strings
// (§6 EXTERNAL INTERFACES).
package memsize

import (
	"regexp"
	"strconv"
	"strings"

	"herdctl/internal/herderrors"
)

var memoryPattern = regexp.MustCompile(`(?i)^(\d+)([gmk]?)$`)

// ParseMemoryToBytes parses the memory string grammar `^\d+[gmk]?$`
// (case-insensitive; g=GiB, m=MiB, k=KiB, no suffix=bytes).
func ParseMemoryToBytes(value string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, &herderrors.InvalidMemoryStringError{Value: value}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &herderrors.InvalidMemoryStringError{Value: value}
	}
	switch strings.ToLower(m[2]) {
	case "g":
		return n * 1024 * 1024 * 1024, nil
	case "m":
		return n * 1024 * 1024, nil
	case "k":
		return n * 1024, nil
	default:
		return n, nil
	}
}

// Volume is a parsed `host:container[:ro|:rw]` docker volume string.
type Volume struct {
	Host      string
	Container string
	ReadOnly  bool
}

// ParseVolume parses the volume string grammar. Both host and container
// paths must be absolute.
func ParseVolume(value string) (Volume, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Volume{}, &herderrors.InvalidVolumeStringError{Value: value}
	}
	host, container := parts[0], parts[1]
	if !strings.HasPrefix(host, "/") || !strings.HasPrefix(container, "/") {
		return Volume{}, &herderrors.InvalidVolumeStringError{Value: value}
	}
	v := Volume{Host: host, Container: container, ReadOnly: false}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			v.ReadOnly = true
		case "rw":
			v.ReadOnly = false
		default:
			return Volume{}, &herderrors.InvalidVolumeStringError{Value: value}
		}
	}
	return v, nil
}

// User is a parsed `UID` or `UID:GID` docker user string.
type User struct {
	UID int
	GID int // -1 if unspecified
}

var userPattern = regexp.MustCompile(`^(\d+)(?::(\d+))?$`)

// ParseUser parses the user string grammar `UID` or `UID:GID`.
func ParseUser(value string) (User, error) {
	m := userPattern.FindStringSubmatch(value)
	if m == nil {
		return User{}, &herderrors.InvalidUserStringError{Value: value}
	}
	uid, err := strconv.Atoi(m[1])
	if err != nil {
		return User{}, &herderrors.InvalidUserStringError{Value: value}
	}
	gid := -1
	if m[2] != "" {
		gid, err = strconv.Atoi(m[2])
		if err != nil {
			return User{}, &herderrors.InvalidUserStringError{Value: value}
		}
	}
	return User{UID: uid, GID: gid}, nil
}
