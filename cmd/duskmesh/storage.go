package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// storagePaths mirrors the teacher's EnvPaths: a single ~/.duskmesh
// directory holding everything this node persists across restarts.
type storagePaths struct {
	BaseDir     string
	IdentityEnc string
}

func initStorageDir() (*storagePaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot find home dir: %w", err)
	}
	base := filepath.Join(home, ".duskmesh")
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create duskmesh dir: %w", err)
	}
	return &storagePaths{
		BaseDir:     base,
		IdentityEnc: filepath.Join(base, "identity.enc"),
	}, nil
}
