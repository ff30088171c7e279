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
// It returns an error if `dir` has an unknown user (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
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

// WriteFileAtomic writes data to a temporary file in the same directory as filePath and renames it into place,
// so readers never observe a partially written file.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(filePath)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", filePath)
	}
	tmpPath := f.Name()
	defer func() {
		// No-op if the rename succeeded.
		_ = os.Remove(tmpPath)
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", tmpPath)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "syncing %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", tmpPath)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrapf(err, "setting permissions of %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, filePath)
	}
	return nil
}
