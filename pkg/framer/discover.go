// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package framer

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Discover recursively lists files matching pattern (a filepath.Match pattern on the base name,
// e.g. "*.wav") under each of dirs. Directories are visited in the order given.
//
// Files under each directory are listed in lexical order, so the result is reproducible.
// Missing directories are logged and skipped.
func Discover(dirs []string, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	var paths []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			klog.Warningf("directory %q not found, skipping", dir)
			continue
		}
		start := len(paths)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if matched, _ := filepath.Match(pattern, d.Name()); matched {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing %q", dir)
		}
		klog.V(1).Infof("%d files found in %q", len(paths)-start, dir)
	}
	return paths, nil
}
