package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// ResetRootCommand restores the root account: rank 1, unlocked, with a new
// password.
func ResetRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-root",
		Usage: "Create or repair the root account",
		Flags: HostFlags(&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"p"},
			Usage:   "New root password (prompted for when unset)",
			EnvVars: []string{"MRCI_ROOT_PASSWORD"},
		}),
		Action: resetRootAction,
	}
}

func resetRootAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}

	password := c.String("password")
	if password == "" {
		password, err = readPassword(c.App.Reader, c.App.ErrWriter)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}
	if password == "" {
		return cli.Exit("password must not be empty", 1)
	}

	db, err := openStore(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open store: %v", err), 1)
	}
	defer func() { _ = db.Close() }()

	u, err := db.ResetRoot(c.Context, password)
	if err != nil {
		return cli.Exit(fmt.Sprintf("reset root: %v", err), 1)
	}
	fmt.Fprintf(c.App.Writer, "root account %s reset (rank %d)\n", u.ID, u.HostRank)
	return nil
}

// readPassword prompts twice without echo on a terminal, and reads one line
// otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "New root password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		fmt.Fprint(prompt, "Repeat password: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// AddressSetCommand stores the listen address and port in the host
// database. The stored pair overrides mrci.yaml on the next start.
func AddressSetCommand() *cli.Command {
	return &cli.Command{
		Name:  "address-set",
		Usage: "Store the listen address and port",
		Flags: HostFlags(
			&cli.StringFlag{Name: "address", Usage: "Listen address", Required: true},
			&cli.IntFlag{Name: "port", Usage: "Listen port", Required: true},
		),
		Action: addressSetAction,
	}
}

func addressSetAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	db, err := openStore(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open store: %v", err), 1)
	}
	defer func() { _ = db.Close() }()

	addr, port := c.String("address"), c.Int("port")
	if err := db.SetListenAddress(c.Context, addr, port); err != nil {
		return cli.Exit(fmt.Sprintf("set address: %v", err), 1)
	}
	fmt.Fprintf(c.App.Writer, "listen address set to %s:%d (applies on next start)\n", addr, port)
	return nil
}
