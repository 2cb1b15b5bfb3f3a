package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/server/auth"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paykeeperctl",
		Short:         "paykeeperctl - operator tool for paykeeper",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(keyhashCmd())
	root.AddCommand(tokenCmd())

	return root
}

func keyhashCmd() *cobra.Command {
	var principalID, email string
	var iterations int

	cmd := &cobra.Command{
		Use:   "keyhash",
		Short: "Print the key verification hash for a principal",
		Long: `Derives the principal's envelope key from the master secret and prints
its verification hash. Compare it with the key hash stored on an intent to
tell a changed master secret or identity apart from a corrupted envelope.

The master secret is read from the terminal without echo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := promptSecret(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer cryptox.Wipe(secret)

			return printKeyHash(cmd.OutOrStdout(), secret, principalID, email, iterations)
		},
	}

	cmd.Flags().StringVarP(&principalID, "principal", "p", "", "Principal id")
	cmd.Flags().StringVarP(&email, "email", "e", "", "Principal email")
	cmd.Flags().IntVarP(&iterations, "iterations", "i", common.MinKDFIterations, "PBKDF2 iterations configured on the server")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func promptSecret(w io.Writer) ([]byte, error) {
	if _, err := fmt.Fprint(w, "Enter master secret: "); err != nil {
		return nil, err
	}
	secret, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, common.ErrMissingSecret
	}
	return secret, nil
}

func printKeyHash(w io.Writer, secret []byte, principalID, email string, iterations int) error {
	if err := (models.Principal{ID: principalID, Email: email}).Validate(); err != nil {
		return err
	}

	d, err := cryptox.NewDeriver(secret, iterations)
	if err != nil {
		return err
	}
	key := d.Derive(principalID, email)
	defer cryptox.Wipe(key)

	_, err = fmt.Fprintln(w, cryptox.KeyHash(key))
	return err
}

func tokenCmd() *cobra.Command {
	var principalID, email, secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer JWT for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("PAYKEEPER_SECURITY_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("jwt secret is required (--secret or PAYKEEPER_SECURITY_JWT_SECRET)")
			}

			p := models.Principal{ID: principalID, Email: email}
			if err := p.Validate(); err != nil {
				return err
			}

			tok, err := auth.GenerateToken(p, []byte(secret), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVarP(&principalID, "principal", "p", "", "Principal id")
	cmd.Flags().StringVarP(&email, "email", "e", "", "Principal email")
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "JWT signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token validity")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
