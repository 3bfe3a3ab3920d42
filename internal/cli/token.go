package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordinaut/ordinaut/internal/auth"
	"github.com/ordinaut/ordinaut/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for an agent",
	Long: `Mint an HMAC-signed bearer token carrying an agent id and its
scopes. The signing secret comes from --secret, ORD_AUTH_TOKEN_SECRET,
or ordinaut.toml.

Example:
  ordinaut token --agent 7c1e... --scope task.create --scope event.publish --ttl 720h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("agent", "", "Agent id to embed as the token subject")
	tokenCmd.Flags().StringArray("scope", nil, "Scope to grant (repeatable)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().String("secret", "", "Signing secret (default: configured token secret)")
	tokenCmd.Flags().String("config", "", "Path to ordinaut.toml config file")
}

func runToken(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	if agentID == "" {
		return fmt.Errorf("--agent is required")
	}
	scopes, _ := cmd.Flags().GetStringArray("scope")
	if len(scopes) == 0 {
		return fmt.Errorf("at least one --scope is required")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath, nil)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		secret = cfg.Auth.TokenSecret
	}
	if secret == "" {
		return fmt.Errorf("no signing secret; pass --secret or set ORD_AUTH_TOKEN_SECRET")
	}

	token, err := auth.SignToken(secret, agentID, scopes, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
