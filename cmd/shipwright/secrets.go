package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shipwright/pkg/config"
)

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted credentials file",
	Long: `Credentials such as ANTHROPIC_API_KEY or GITHUB_TOKEN can be stored in an
encrypted file instead of the environment. Stored values win over
environment variables of the same name.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set NAME [VALUE]",
	Short: "Store a secret, reading the value without echo when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(_ *cobra.Command, args []string) error {
		password, err := secretsPassword(true)
		if err != nil {
			return err
		}
		s, err := config.LoadSecrets(cfg.Secrets.Path, password)
		if err != nil {
			return err
		}
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else if value, err = readHidden(fmt.Sprintf("Value for %s: ", args[0])); err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("empty value for %s", args[0])
		}
		s.Set(args[0], value)
		return s.Save(cfg.Secrets.Path, password)
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		password, err := secretsPassword(true)
		if err != nil {
			return err
		}
		s, err := config.LoadSecrets(cfg.Secrets.Path, password)
		if err != nil {
			return err
		}
		for _, name := range s.Names() {
			fmt.Println(name)
		}
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		password, err := secretsPassword(true)
		if err != nil {
			return err
		}
		s, err := config.LoadSecrets(cfg.Secrets.Path, password)
		if err != nil {
			return err
		}
		s.Delete(args[0])
		return s.Save(cfg.Secrets.Path, password)
	},
}

// loadSecrets opens the secrets file when one exists. Without a file every
// lookup goes to the environment.
func loadSecrets() (*config.Secrets, error) {
	if _, err := os.Stat(cfg.Secrets.Path); errors.Is(err, fs.ErrNotExist) {
		return config.NewSecrets(nil), nil
	}
	password, err := secretsPassword(false)
	if err != nil {
		return nil, err
	}
	return config.LoadSecrets(cfg.Secrets.Path, password)
}

// secretsPassword reads the password from the configured variable, else
// prompts on a terminal. confirm asks twice when the file does not exist yet.
func secretsPassword(confirm bool) (string, error) {
	if cfg.Secrets.PasswordEnv != "" {
		if pw := os.Getenv(cfg.Secrets.PasswordEnv); pw != "" {
			return pw, nil
		}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		return "", fmt.Errorf("secrets file %s needs a password: set %s", cfg.Secrets.Path, cfg.Secrets.PasswordEnv)
	}
	pw, err := readHidden("Secrets password: ")
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(cfg.Secrets.Path); confirm && errors.Is(statErr, fs.ErrNotExist) {
		again, err := readHidden("Repeat password: ")
		if err != nil {
			return "", err
		}
		if again != pw {
			return "", errors.New("passwords do not match")
		}
	}
	return pw, nil
}

func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
