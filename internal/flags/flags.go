// Package flags provides the CLI scaffolding shared by cmd/tailchain
// and cmd/utils: a urfave/cli App constructor, flag categories, and
// directory-path expansion with the usual "~" and embedded-env-var
// conventions.
package flags

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

// Flag categories, used to group flags in --help output.
const (
	DatabaseCategory = "DATABASE"
	ProviderCategory = "PROVIDER"
	LoggingCategory  = "LOGGING"
	MiscCategory     = "MISC"
)

// NewApp creates a cli app with sane defaults.
func NewApp(usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = usage
	return app
}

// HomeDir returns the current user's home directory, or "" if it can't
// be determined.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// ExpandPath expands a file path:
//   - replaces a leading "~" with the user's home directory
//   - expands embedded environment variables
//
// Unlike shell expansion, it does not perform globbing. Used to resolve
// --datadir.
func ExpandPath(p string) string {
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		if home := HomeDir(); home != "" {
			p = home + p[1:]
		}
	}
	return filepath.Clean(os.ExpandEnv(p))
}

// DirName joins the user's home directory with the given sub-path, used
// to build tailchain's default datadir.
func DirName(home string, sub ...string) string {
	parts := append([]string{home}, sub...)
	return filepath.Join(parts...)
}
