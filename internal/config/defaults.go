package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Platform directory layout:
//
//	macOS    data and config in ~/Library/Application Support/annotd,
//	         logs in ~/Library/Logs/annotd
//	Linux    XDG dirs (~/.local/share, ~/.config), logs under data
//	Windows  %APPDATA%\annotd, logs in %LOCALAPPDATA%\annotd\logs
//
// Anything unrecognized falls back to ~/.annotd.

// PlatformDataDir returns the directory for the history journal and
// other daemon state.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "annotd")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "annotd")
		}
		return filepath.Join(homeDir(), ".local", "share", "annotd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "annotd")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "annotd")
	}
	return fallbackDataDir()
}

// PlatformConfigDir returns the directory the config file lives in.
// macOS and Windows keep config next to the data.
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return PlatformDataDir()
	}
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "annotd")
	}
	return fallbackDataDir()
}

// PlatformLogDir returns the log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "annotd")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "annotd", "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "annotd", "logs")
	}
	return filepath.Join(PlatformDataDir(), "logs")
}

// PlatformRuntimeDir returns the directory for the control socket and
// PID file. Windows uses named pipes and has no such directory.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "annotd")
	}
	return fmt.Sprintf("/tmp/annotd-%d", os.Getuid())
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".annotd")
}

// DefaultImagePatterns returns the include patterns for the image
// formats the daemon can open.
func DefaultImagePatterns() []string {
	return []string{
		"*.png",
		"*.jpg",
		"*.jpeg",
		"*.gif",
		"*.webp",
		"*.bmp",
		"*.tif",
		"*.tiff",
	}
}

// DefaultExcludePatterns returns patterns for files the collection
// scanner should never pick up.
func DefaultExcludePatterns() []string {
	return []string{
		".*", "*/.*", "._*", // dotfiles and AppleDouble companions

		"*~", "*.tmp", "*.temp", "*.part", "*.crdownload", // writes in progress

		"*.thumb.*", "Thumbs.db", ".DS_Store", // thumbnail caches

		".git/*", ".svn/*", ".hg/*",
	}
}

// configExts are the recognized config file extensions, in search order.
var configExts = []string{"toml", "json", "yaml", "yml"}

// FindConfigFile looks for a config file in the working directory, the
// config directory, and the data directory, in that order. It returns
// "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), PlatformDataDir()} {
		for _, ext := range configExts {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
