package paths

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the directory holding wikidesigner's config file.
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory.
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".wikidesigner-config"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".config", "wikidesigner"))
}

// GetDataDir returns the directory for logs and the chat database.
func GetDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".wikidesigner"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".wikidesigner"))
}
