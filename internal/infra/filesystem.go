package infra

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// EnsureWorkDir expands and creates the bot's state directory, e.g.
// "~/.shieldbot", plus any nested path components.
func EnsureWorkDir(base string, parts ...string) (string, error) {
	expanded, err := homedir.Expand(filepath.Join(append([]string{base}, parts...)...))
	if err != nil {
		return "", errors.Wrap(err, "expand work dir")
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", errors.Wrap(err, "create work dir")
	}
	return expanded, nil
}
