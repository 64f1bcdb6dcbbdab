// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// WriteText writes text to the file at filePath, after replacing a leading "~" by the home directory.
// The parent directories are created as needed. Unless overwrite is set, it fails if the file exists.
//
// It returns the path actually written to.
func WriteText(filePath, text string, overwrite bool) (string, error) {
	filePath, err := ReplaceTildeInDir(filePath)
	if err != nil {
		return "", err
	}
	if !overwrite {
		exists, err := FileExists(filePath)
		if err != nil {
			return "", err
		}
		if exists {
			return "", errors.Errorf("file %q already exists", filePath)
		}
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	if err = os.WriteFile(filePath, []byte(text), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write %q", filePath)
	}
	return filePath, nil
}
