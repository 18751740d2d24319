// Package tool hosts operations behind delegated-token authorization.
//
// Every operation declares the permission it requires. A Host serves
//
//	GET  /tools         lists operations and their required permission
//	POST /tools/{name}  invokes an operation with a JSON body
//
// and runs each invocation through validation, the permission decision,
// then the observe middleware before the operation's handler. Handlers
// read the validated token with auth.TokenFromContext.
package tool
