// Package auth verifies delegated bearer tokens and decides whether the
// agent presenting one may perform an operation for its user.
//
// A delegated token names the end user (sub), the agent that obtained it
// (act.sub), the agent's scope and the user's own permissions
// (subject_claims.permissions). An operation is allowed only when both the
// agent and the user hold the required permission.
//
//	ring, _ := auth.NewKeyRing(auth.KeyRingConfig{URL: jwksURL})
//	validator := auth.NewValidator(ring, auth.ValidatorConfig{})
//	token, err := validator.Validate(ctx, raw, issuer)
//	if err != nil {
//	    // auth.StatusCode(err) gives 401 or 503
//	}
//	if err := auth.Decide(token, "read:customers").Err(); err != nil {
//	    // 403; errors.Is(err, auth.ErrAgentLacksPermission) etc. for audit
//	}
//
// Guard bundles both steps as HTTP middleware.
package auth
