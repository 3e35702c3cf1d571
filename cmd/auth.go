package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prjdev/prj/internal/creds"
	"github.com/prjdev/prj/internal/models"
	"github.com/prjdev/prj/internal/output"
	"github.com/prjdev/prj/internal/ratelimit"
	"github.com/prjdev/prj/internal/remote"
)

var (
	authToken  string
	authMethod string
	authShow   bool
	authTest   bool
	authDelete bool
)

var authCmd = &cobra.Command{
	Use:   "auth [platform]",
	Short: "Manage platform credentials",
	Long: `Store, inspect, validate, or delete API tokens for github and gitlab.

Tokens resolve in order: environment variable (GITHUB_TOKEN / GITLAB_TOKEN),
OS keyring, encrypted token file. With no platform argument, lists the
platforms that have stored credentials.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return authListRun()
		}
		return authRun(args[0])
	},
}

func init() {
	authCmd.Flags().StringVar(&authToken, "token", "", "Token to store for the platform")
	authCmd.Flags().StringVar(&authMethod, "method", "keyring", "Storage method: keyring, file, or both")
	authCmd.Flags().BoolVar(&authShow, "show", false, "Show the resolved token (masked) and its source")
	authCmd.Flags().BoolVar(&authTest, "test", false, "Validate the stored token against the platform API")
	authCmd.Flags().BoolVar(&authDelete, "delete", false, "Delete the stored token from all tiers")
	rootCmd.AddCommand(authCmd)
}

func authListRun() error {
	platforms := newResolver().List()
	if len(platforms) == 0 {
		ui.Info("No credentials stored. Use 'prj auth <platform> --token <token>' to add one.")
		return nil
	}
	for _, p := range platforms {
		ui.Success("%s: credential stored", output.Cyan(string(p)))
	}
	return nil
}

func authRun(platformName string) error {
	platform := models.Platform(strings.ToLower(platformName))
	if !platform.Valid() {
		return fmt.Errorf("unknown platform: %s (expected github or gitlab)", platformName)
	}
	resolver := newResolver()

	switch {
	case authDelete:
		if err := resolver.Delete(platform); err != nil {
			return err
		}
		ui.Success("Deleted %s credential", platform)
		return nil

	case authToken != "":
		method := creds.Method(authMethod)
		if err := resolver.Store(platform, authToken, method); err != nil {
			return err
		}
		ui.Success("Stored %s token (%s)", platform, method)
		return nil

	case authTest:
		cred, err := resolver.Resolve(platform)
		if err != nil {
			return err
		}
		client, err := remote.New(platform, cred.Token, ratelimit.New(0))
		if err != nil {
			return err
		}
		if err := resolver.Test(context.Background(), client); err != nil {
			return err
		}
		ui.Success("%s token is valid (source: %s)", platform, cred.Source)
		return nil

	case authShow:
		cred, err := resolver.Resolve(platform)
		if err != nil {
			return err
		}
		ui.Info("%s: %s (source: %s)", platform, maskToken(cred.Token), cred.Source)
		return nil

	default:
		cred, err := resolver.Resolve(platform)
		if err != nil {
			return err
		}
		ui.Success("%s: authenticated via %s", platform, cred.Source)
		return nil
	}
}

// maskToken keeps a short prefix for recognition and hides the rest.
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
