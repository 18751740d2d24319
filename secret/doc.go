// Package secret resolves secret references in configuration values so
// credentials such as an AppRole secret id never have to be written into a
// config file.
//
// A value may contain ${VAR} or ${VAR:-default} (expanded strictly: a
// missing variable without a default is an error) and secret references of
// the form secretref:<provider>:<ref>:
//
//	secret_id: secretref:file:/run/secrets/approle-secret-id
//	role_id:   secretref:env:DELEGAUTH_ROLE_ID
//	header:    Bearer secretref:env:API_TOKEN
//
// The env and file providers are built in.
package secret
