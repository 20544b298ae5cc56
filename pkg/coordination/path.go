package coordination

import (
	"context"
	"errors"
	"strings"
)

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// BaseName returns the final element of a path.
func BaseName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// ValidatePath checks path is absolute, has no empty elements, and does not end in a slash.
func ValidatePath(path string) error {
	if path == "/" {
		return nil
	}
	if path == "" || path[0] != '/' || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return ErrBadPath
	}
	return nil
}

// EnsurePath creates path and every missing ancestor as persistent nodes.  Nodes which already
// exist are left alone.
func EnsurePath(ctx context.Context, client Client, path string, acl []ACL) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	current := ""
	for _, element := range strings.Split(path[1:], "/") {
		current += "/" + element
		_, err := client.Create(ctx, current, nil, Persistent, acl)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}
