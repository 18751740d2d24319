// Package config loads the delegauth YAML configuration.
//
// The file is parsed into a generic document, every string in it is passed
// through a secret.Resolver, and the result is decoded onto Default() so
// omitted keys keep conservative values. Unknown keys are rejected.
//
//	issuer:
//	  name: https://vault.example.com/v1/identity/oidc
//	  jwks_url: https://vault.example.com/v1/identity/oidc/.well-known/keys
//	delegation:
//	  address: https://vault.example.com
//	  agent_auth:
//	    method: approle
//	    role_id: secretref:env:ROLE_ID
//	    secret_id: secretref:file:/run/secrets/secret-id
//
// The optional top-level secrets key configures secret providers by name
// and is itself only subject to environment expansion.
package config
