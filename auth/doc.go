// Package auth authenticates inbound gateway traffic.
//
// SharedSecret checks a static secret carried in a request header and guards
// every HTTP endpoint. Bearer tokens are optional and verified by one of two
// authenticators: HS256 for tokens signed with a symmetric key, or OIDC for
// tokens from an OpenID provider whose keys are discovered from its issuer
// URL. Token claims can describe the caller a new session should act for,
// which lets an orchestrator mint a token per agent instead of passing
// caller headers.
//
// All of them return ErrUnauthorized for bad credentials so transports can map it to
// a single rejection path.
//
// Example:
//
//	secret := auth.NewSharedSecret("X-Gateway-Secret", os.Getenv("GATEWAY_SHARED_SECRET"))
//	if err := secret.Check(r); err != nil {
//		// 403
//	}
//
//	verifier, _ := auth.NewHS256([]byte(key), auth.WithIssuer("orchestrator"))
//	// or: verifier, _ := auth.NewOIDC(ctx, issuer, auth.WithOIDCAudiences(publicURL))
//	info, err := verifier.CheckAuthentication(ctx, bearer)
//	caller, err := auth.CallerFromUserInfo(info)
package auth
