// Package auth authenticates forge-gateway API callers.
//
// # Users
//
// Users present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The token's "sub" claim is the user id. Tokens are minted with
// JWTVerifier.Generate (see the `forge-gateway token` command) using the
// configured auth.jwt_secret. HTTPAuthMiddleware verifies the token and
// stores the user id in the request context, where handlers read it with
// UserFromContext.
//
// When no secret is configured the gateway runs in local mode:
// AnonymousMiddleware attaches a fixed user id to every request.
//
// # Cron
//
// CronMiddleware guards the cleanup endpoint with a shared secret compared
// in constant time. An empty secret leaves the endpoint open.
package auth
