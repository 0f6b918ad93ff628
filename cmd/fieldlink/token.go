package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/fieldlink/internal/auth"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
)

// runToken prints a signed access token. Tokens are normally issued by the
// site's identity service; this is for bench setups and the simulator.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "token subject (required)")
	role := fs.String("role", string(auth.RoleViewer), "viewer, operator or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateAccessToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
