package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

const inspectTokenKey = "token"

func newInspectCmd(a *app) *cobra.Command {
	var permission string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Validate a delegated token and decide a permission",
		Long: `Validate the token against the configured issuer's key set exactly as
the tool host would, then print the claims and the decision for
--permission. Exits non-zero when the token is rejected or the permission
is denied.`,
		PreRunE: a.loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw := a.v.GetString(inspectTokenKey)

			ring, err := auth.NewKeyRing(a.cfg.KeyRingConfig(observe.Telemetry{}))
			if err != nil {
				return err
			}
			validator := auth.NewValidator(ring, a.cfg.ValidatorConfig(observe.Telemetry{}))
			tok, err := validator.Validate(ctx, raw, a.cfg.Issuer.Name)
			if err != nil {
				return err
			}

			out := inspectResult{
				Subject:     tok.Subject,
				Actor:       tok.Actor.Subject,
				Issuer:      tok.Issuer,
				ExpiresAt:   tok.ExpiresAt,
				Scope:       tok.Scope,
				Permissions: tok.SubjectClaims.Permissions,
			}
			var decisionErr error
			if permission != "" {
				d := auth.Decide(tok, permission)
				out.Decision = &d
				decisionErr = d.Err()
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			return decisionErr
		},
	}
	cmd.Flags().String("token", "", "the delegated token (or DELEGAUTH_TOKEN)")
	bindFlag(a.v, inspectTokenKey, cmd.Flags().Lookup("token"))
	cmd.Flags().StringVar(&permission, "permission", "", "the permission to decide")
	return cmd
}

type inspectResult struct {
	Subject     string             `json:"subject"`
	Actor       string             `json:"actor"`
	Issuer      string             `json:"issuer"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Scope       auth.PermissionSet `json:"scope"`
	Permissions auth.PermissionSet `json:"permissions"`
	Decision    *auth.Decision     `json:"decision,omitempty"`
}
