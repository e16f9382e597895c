package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	oauth "github.com/nocturne/nocturne-auth"
	"github.com/nocturne/nocturne-auth/signing"
	"github.com/nocturne/nocturne-auth/storage/postgres"
)

func newMigrateCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.bindFlags(cmd.Flags(), "postgres-dsn")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := c.v.GetString("postgres-dsn")
			if dsn == "" {
				return fmt.Errorf("--postgres-dsn is required")
			}
			if err := postgres.Migrate(dsn, c.logger); err != nil {
				return err
			}
			c.logger.Info("Database schema is up to date")
			return nil
		},
	}
	cmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
	return cmd
}

func newKeygenCommand(c *cli) *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PEM RSA signing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := signing.GenerateKey(bits)
			if err != nil {
				return err
			}
			pemBytes, err := signing.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(pemBytes)
				return err
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o600)
			if err != nil {
				return fmt.Errorf("create key file: %w", err)
			}
			if _, err := f.Write(pemBytes); err != nil {
				_ = f.Close()
				return fmt.Errorf("write key file: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close key file: %w", err)
			}
			c.logger.Info("Wrote signing key", "path", out, "bits", key.N.BitLen())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	cmd.Flags().IntVar(&bits, "bits", signing.DefaultKeyBits, "RSA modulus size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// newHashSecretCommand prints the bcrypt hash of a resource server secret
// read from stdin, for the resource-servers section of the config file.
func newHashSecretCommand(_ *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a resource server secret read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			hash, err := oauth.HashResourceServerSecret(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
