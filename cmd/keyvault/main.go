package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyvault-sh/keyvault/internal/client"
	"github.com/keyvault-sh/keyvault/internal/version"
)

// resolveServerURL returns the server URL from the flag, the
// KEYVAULT_SERVER_URL env var, or the stored config, in that order.
func resolveServerURL(cmd *cobra.Command, flagValue string, cfg *client.Config) (string, error) {
	normalize := func(v string) string {
		return strings.TrimRight(v, "/")
	}
	if cmd.Flags().Changed("server") {
		return normalize(flagValue), nil
	}
	if v := os.Getenv("KEYVAULT_SERVER_URL"); v != "" {
		return normalize(v), nil
	}
	if cfg.ServerURL != "" {
		return cfg.ServerURL, nil
	}
	return "", fmt.Errorf("server URL required: use --server, set KEYVAULT_SERVER_URL, or log in first")
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "keyvault",
		Short:   "KeyVault - secrets for your projects, injected at run time",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("keyvault") + "\n")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newWhoamiCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newExportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLoginCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in via the browser and store a CLI token",
		Long: `Start a device-code login: the command prints a verification URL and a
short code, then waits for you to approve the login in the browser. The
resulting token is stored in the user config directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig()
			if err != nil {
				return err
			}
			resolved, err := resolveServerURL(cmd, serverURL, cfg)
			if err != nil {
				return err
			}
			return runLogin(cmd.Context(), resolved, cfg)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "KeyVault server URL (or set KEYVAULT_SERVER_URL)")
	return cmd
}

func runLogin(ctx context.Context, serverURL string, cfg *client.Config) error {
	api := client.NewAPI(serverURL, "")

	info, err := api.StartDeviceLogin(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Open %s in your browser\n", info.VerificationURL)
	fmt.Printf("and confirm the code: %s\n\n", info.UserCode)
	fmt.Println("Waiting for approval...")

	token, err := api.WaitForDeviceLogin(ctx, info)
	if err != nil {
		return err
	}

	cfg.ServerURL = serverURL
	cfg.Token = token
	if err := client.SaveConfig(cfg); err != nil {
		return err
	}

	fmt.Println("Logged in.")
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored CLI token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.Token == "" {
				fmt.Println("Not logged in.")
				return nil
			}
			cfg.Token = ""
			if err := client.SaveConfig(cfg); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity behind the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := authedAPI(cmd, serverURL)
			if err != nil {
				return err
			}
			p, err := api.Profile(cmd.Context())
			if err != nil {
				return err
			}
			if p.UserID != "" {
				fmt.Printf("user: %s\n", p.UserID)
			} else {
				fmt.Printf("project: %s\n", p.ProjectID)
			}
			if p.Name != "" {
				fmt.Printf("token: %s (....%s)\n", p.Name, p.Last4)
			} else {
				fmt.Printf("token: ....%s\n", p.Last4)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "KeyVault server URL (or set KEYVAULT_SERVER_URL)")
	return cmd
}

// authedAPI builds an API client from the stored config plus flags. Errors
// out when no token is available.
func authedAPI(cmd *cobra.Command, serverFlag string) (*client.API, error) {
	cfg, err := client.LoadConfig()
	if err != nil {
		return nil, err
	}
	resolved, err := resolveServerURL(cmd, serverFlag, cfg)
	if err != nil {
		return nil, err
	}
	token := cfg.Token
	if v := os.Getenv("KEYVAULT_TOKEN"); v != "" {
		token = v
	}
	if token == "" {
		return nil, errors.New("not logged in: run `keyvault login` or set KEYVAULT_TOKEN")
	}
	return client.NewAPI(resolved, token), nil
}

func newRunCmd() *cobra.Command {
	var (
		serverURL   string
		projectID   string
		environment string
		folder      string
		envFile     string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command with project secrets injected and masked",
		Long: `Fetch the project's secrets for an environment and launch the command
with them injected as environment variables. Secret values appearing in the
child's stdout/stderr are replaced with [REDACTED_BY_KEYVAULT]. Values from
an optional .env file are applied first; fetched secrets win on conflict.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := authedAPI(cmd, serverURL)
			if err != nil {
				return err
			}
			envFileExplicit := cmd.Flags().Changed("env-file")
			return runWithSecrets(cmd.Context(), api, projectID, environment, folder, envFile, envFileExplicit, args)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "KeyVault server URL (or set KEYVAULT_SERVER_URL)")
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project id (required)")
	cmd.Flags().StringVarP(&environment, "env", "e", "development", "Environment to fetch secrets for")
	cmd.Flags().StringVar(&folder, "folder", "", "Folder to fetch secrets from")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to .env file (skipped if not found and not explicitly set)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runWithSecrets(ctx context.Context, api *client.API, projectID, environment, folder, envFile string, envFileExplicit bool, command []string) error {
	var entries []client.EnvEntry
	entries, err := client.ParseEnvFile(envFile)
	if err != nil {
		if !envFileExplicit && errors.Is(err, os.ErrNotExist) {
			entries = nil
		} else {
			return fmt.Errorf("parse env file: %w", err)
		}
	}

	secrets, err := api.DownloadSecrets(ctx, projectID, environment, folder)
	if err != nil {
		return err
	}

	env := os.Environ()
	for _, e := range entries {
		env = append(env, e.Key+"="+e.Value)
	}
	secretValues := make([]string, 0, len(secrets))
	for k, v := range secrets {
		env = append(env, k+"="+v)
		if v != "" {
			secretValues = append(secretValues, v)
		}
	}

	exitCode, err := client.Run(client.RunConfig{
		Command: command[0],
		Args:    command[1:],
		Env:     env,
		Secrets: secretValues,
	})
	if err != nil {
		return err
	}
	os.Exit(exitCode)
	return nil
}

func newExportCmd() *cobra.Command {
	var (
		serverURL   string
		projectID   string
		environment string
		folder      string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print project secrets as dotenv or shell exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "dotenv" && format != "shell" {
				return fmt.Errorf("unknown format %q: use dotenv or shell", format)
			}
			api, err := authedAPI(cmd, serverURL)
			if err != nil {
				return err
			}

			secrets, err := api.DownloadSecrets(cmd.Context(), projectID, environment, folder)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(secrets))
			for k := range secrets {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				if format == "shell" {
					fmt.Printf("export %s=%q\n", k, secrets[k])
				} else {
					fmt.Printf("%s=%q\n", k, secrets[k])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "KeyVault server URL (or set KEYVAULT_SERVER_URL)")
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project id (required)")
	cmd.Flags().StringVarP(&environment, "env", "e", "development", "Environment to fetch secrets for")
	cmd.Flags().StringVar(&folder, "folder", "", "Folder to fetch secrets from")
	cmd.Flags().StringVar(&format, "format", "dotenv", "Output format: dotenv|shell")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
