// Package authn implements credential authentication, bearer-token issuance
// and validation, and permission evaluation for the RPC server.
//
// Token values are HS256-signed JWTs minted by the manager, but possession of
// a well-formed JWT is never sufficient on its own: validation also requires
// the value to be live in the manager's store and absent from the revocation
// set. Revocation is permanent for the life of the process.
//
// All comparisons against secret material (static allow-list tokens,
// password hashes) are constant-time.
package authn
