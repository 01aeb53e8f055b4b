// Package inventory enumerates the application packages installed on the
// device. The provisioner intersects this set with the preset catalog.
package inventory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Inventory lists installed package names.
type Inventory interface {
	InstalledPackages(ctx context.Context) ([]string, error)
}

// Static is a fixed package list, for pinned configs and tests.
type Static []string

func (s Static) InstalledPackages(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out, nil
}

// File reads package names from a newline-separated file, one package per
// line. Blank lines and #-comments are skipped. The file is re-read on every
// call so installs show up on the next provisioning pass.
type File struct {
	Path string
}

func (f File) InstalledPackages(ctx context.Context) ([]string, error) {
	handle, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read package inventory: %w", err)
	}
	defer handle.Close()

	var packages []string
	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		packages = append(packages, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read package inventory: %w", err)
	}
	sort.Strings(packages)
	return packages, nil
}
