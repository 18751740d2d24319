package config

import (
	"errors"
	"fmt"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/delegation"
)

// AgentAuthConfig selects the agent login method. Settings holds the
// method-specific keys and is decoded by LoginMethod.
type AgentAuthConfig struct {
	Method   string         `mapstructure:"method"`
	Settings map[string]any `mapstructure:",remain"`
}

// AppRoleConfig holds the approle method settings.
type AppRoleConfig struct {
	RoleID   string `mapstructure:"role_id"`
	SecretID string `mapstructure:"secret_id"`
	Mount    string `mapstructure:"mount"`
}

// KubernetesConfig holds the kubernetes method settings.
type KubernetesConfig struct {
	Role      string `mapstructure:"role"`
	TokenPath string `mapstructure:"token_path"`
	Mount     string `mapstructure:"mount"`
}

// ErrUnknownAuthMethod is returned for an unsupported agent_auth.method.
var ErrUnknownAuthMethod = errors.New("unknown agent auth method")

// LoginMethod decodes the settings for the selected method.
func (a AgentAuthConfig) LoginMethod() (delegation.LoginMethod, error) {
	switch a.Method {
	case "approle":
		var c AppRoleConfig
		if err := decode(a.Settings, &c); err != nil {
			return nil, fmt.Errorf("approle: %w", err)
		}
		if c.RoleID == "" || c.SecretID == "" {
			return nil, errors.New("approle: role_id and secret_id are required")
		}
		return &delegation.AppRole{RoleID: c.RoleID, SecretID: c.SecretID, MountPath: c.Mount}, nil
	case "kubernetes":
		var c KubernetesConfig
		if err := decode(a.Settings, &c); err != nil {
			return nil, fmt.Errorf("kubernetes: %w", err)
		}
		if c.Role == "" {
			return nil, errors.New("kubernetes: role is required")
		}
		return &delegation.Kubernetes{Role: c.Role, TokenPath: c.TokenPath, MountPath: c.Mount}, nil
	case "":
		return nil, errors.New("method is required")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuthMethod, a.Method)
	}
}
