// Package cmd provides CLI commands for the mrci binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for status.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (status only)",
	}
)

// ConfigFlag points at the mrci.yaml file. Every command that touches host
// state takes it.
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to mrci.yaml (defaults apply when unset)",
	EnvVars: []string{"MRCI_CONFIG"},
}

// LogLevelFlag overrides log.level from the config file.
var LogLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Usage: "Log level: debug, info, warn, error",
}

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// HostFlags returns the flags of commands that read the host configuration.
func HostFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{ConfigFlag}, extra...)
}
