package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/vault"
)

// passwordReader reads a password without echo; replaced in tests.
var passwordReader = readPassword

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for password: stdin is not a terminal (use --password-stdin)")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

type superuserInput struct {
	login    string
	email    string
	fullName string
}

// promptPassword asks twice and requires both entries to match.
func promptPassword() (string, error) {
	first, err := passwordReader("Password: ")
	if err != nil {
		return "", err
	}
	second, err := passwordReader("Password (again): ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

func buildSuperuser(in superuserInput, password string) (vault.User, error) {
	login := strings.TrimSpace(in.login)
	if login == "" {
		return vault.User{}, errors.New("--login is required")
	}
	if len(password) < 8 {
		return vault.User{}, errors.New("password must be at least 8 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return vault.User{}, err
	}
	return vault.User{
		PortalLogin:  login,
		Email:        strings.TrimSpace(in.email),
		FullName:     strings.TrimSpace(in.fullName),
		Role:         auth.RoleHead,
		IsActive:     true,
		IsSuperuser:  true,
		PasswordHash: hash,
	}, nil
}

func newCreateSuperuserCmd(flags *globalFlags) *cobra.Command {
	var (
		in            superuserInput
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "create-superuser",
		Short: "Create a superuser account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var password string
			if passwordStdin {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = strings.TrimRight(string(raw), "\r\n")
			} else {
				var err error
				if password, err = promptPassword(); err != nil {
					return err
				}
			}
			user, err := buildSuperuser(in, password)
			if err != nil {
				return err
			}

			store, err := flags.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			created, err := store.CreateUser(cmd.Context(), user, audit.Record{
				Action:     audit.ActionCreate,
				ObjectType: "User",
				Metadata:   map[string]any{"source": "vaultctl", "is_superuser": true},
			})
			if errors.Is(err, auth.ErrConflict) {
				return fmt.Errorf("user %q already exists", user.PortalLogin)
			}
			if err != nil {
				return err
			}
			success(cmd, "superuser %s created (%s)", created.PortalLogin, created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.login, "login", "", "portal login")
	cmd.Flags().StringVar(&in.email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&in.fullName, "full-name", "", "display name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}
