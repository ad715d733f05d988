package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/httq/internal/auth"
	"github.com/nerrad567/httq/internal/infrastructure/config"
)

// tokenOptions holds the "httq token" flags.
type tokenOptions struct {
	subject string
	ttl     time.Duration
	scopes  string
}

// newTokenCmd builds "httq token", which prints a bearer token signed with
// the configured security.jwt.secret. configFile points at the root
// --config flag value.
func newTokenCmd(configFile *string) *cobra.Command {
	var opts tokenOptions

	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Print a bearer token signed with security.jwt.secret.",
		Example: "  httq token --subject svc-ingest --ttl 720h --scopes publish",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(*configFile, opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.subject, "subject", "", "token subject (required)")
	f.DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	f.StringVar(&opts.scopes, "scopes", "", "comma-separated scopes: publish, subscribe, audit (empty = all)")
	//nolint:errcheck // The flag is defined just above
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runToken(configFile string, opts tokenOptions, out io.Writer) error {
	if opts.subject == "" {
		return fmt.Errorf("--subject is required")
	}

	scopes, err := auth.ParseScopes(opts.scopes)
	if err != nil {
		return err
	}

	configPath, explicit := getConfigPath(configFile)
	cfg, err := config.Load(configPath, !explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return fmt.Errorf("%w: set security.jwt.secret or HTTQ_JWT_SECRET", auth.ErrNoSecret)
	}

	token, err := auth.GenerateToken(opts.subject, cfg.Security.JWT.Secret, opts.ttl, scopes...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
