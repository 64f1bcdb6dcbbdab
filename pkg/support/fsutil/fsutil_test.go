// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", dir)

	usr, err := user.Current()
	require.NoError(t, err)
	dir, err = ReplaceTildeInDir("~/dumps")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "dumps"), dir)
}

func TestWriteText(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "a", "b", "tree.txt")
	written, err := WriteText(filePath, "hello", false)
	require.NoError(t, err)
	assert.Equal(t, filePath, written)
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))

	_, err = WriteText(filePath, "again", false)
	assert.Error(t, err)
	_, err = WriteText(filePath, "again", true)
	require.NoError(t, err)
	exists, err := FileExists(filePath)
	require.NoError(t, err)
	assert.True(t, exists)
}
