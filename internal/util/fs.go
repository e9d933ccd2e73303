package util

import (
	"fmt"
	"os"
	"strings"
)

func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// SafeName turns a registry id such as "10.1000/abc" into a file-name token.
func SafeName(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "?", "_", "*", "_")
	return r.Replace(strings.TrimSpace(s))
}
