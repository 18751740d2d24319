package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/delegation"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

const userTokenKey = "user_token"

func newTokenCmd(a *app) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange a user token for a delegated token",
		Long: `Authenticate as the configured agent and exchange the user token for a
delegated token for --role. The user token may also be supplied through
DELEGAUTH_USER_TOKEN.`,
		PreRunE: a.loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			userToken := a.v.GetString(userTokenKey)
			if userToken == "" {
				return errors.New("a user token is required (--user-token or DELEGAUTH_USER_TOKEN)")
			}
			if !a.cfg.DelegationEnabled() {
				return errors.New("delegation.address is not configured")
			}

			dc, err := a.cfg.DelegationConfig(observe.Telemetry{})
			if err != nil {
				return err
			}
			client, err := delegation.NewClient(dc)
			if err != nil {
				return err
			}
			defer client.Close()

			tok, err := client.GetOrRefresh(cmd.Context(), userToken, role)
			if err != nil {
				return err
			}
			return printJSON(cmd, tokenOutput(tok))
		},
	}
	cmd.Flags().String("user-token", "", "the user's access token")
	bindFlag(a.v, userTokenKey, cmd.Flags().Lookup("user-token"))
	cmd.Flags().StringVar(&role, "role", "", "the agent role to request")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

type tokenResult struct {
	Token       string    `json:"token"`
	Role        string    `json:"role"`
	Subject     string    `json:"subject"`
	ExpiresAt   time.Time `json:"expires_at"`
	Actor       string    `json:"actor,omitempty"`
	Scope       []string  `json:"scope,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
}

func tokenOutput(tok delegation.Token) tokenResult {
	out := tokenResult{
		Token:     tok.Raw,
		Role:      tok.Role,
		Subject:   tok.Subject,
		ExpiresAt: tok.ExpiresAt,
	}
	if c := tok.Claims; c != nil {
		out.Actor = c.Actor.Subject
		out.Scope = c.Scope.Slice()
		out.Permissions = c.SubjectClaims.Permissions.Slice()
	}
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
