// Package delegation obtains delegated tokens for an agent acting on behalf
// of a user.
//
// A Client authenticates the agent to the exchange service (AppRole or
// Kubernetes workload identity), exchanges a user's token for a delegated
// token bound to an agent role, and caches the result per (role, user).
// Concurrent requests for the same pair share one exchange.
//
//	client, _ := delegation.NewClient(delegation.Config{
//	    Address: "https://vault.example.com:8200",
//	    Login:   &delegation.AppRole{RoleID: roleID, SecretID: secretID},
//	})
//	go client.Run(ctx) // keeps the agent credential renewed
//	tok, err := client.GetOrRefresh(ctx, userToken, "customer-agent")
package delegation
