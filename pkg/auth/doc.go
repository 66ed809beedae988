// Package auth authenticates inbound ClassMarket requests.
//
// Three credential sources are supported: first-party access tokens minted
// by [TokenCodec] after password or OAuth2 login, mobile identity tokens
// verified by an external provider, and the attribute map of a completed
// OAuth2 exchange. A bearer string is routed by [Classifier], verified by
// the matching [Verifier], mapped to a stored user by a [UserProvisioner],
// and installed on the request context as an immutable [Principal].
//
// [Gate] drives that pipeline once per request as a small state machine:
//
//	NoCredential → Classified → Verified → Provisioned → ContextInstalled
//
// Any failure ends in Anonymous. The gate never writes 401 or 403 itself;
// failures are logged and the authorization layer decides what anonymous
// callers may reach.
//
// # Usage
//
//	codec, err := auth.NewTokenCodec(auth.CodecConfig{SigningKey: key})
//	if err != nil {
//	    log.Fatal(err) // missing signing key is fatal
//	}
//	resolver := auth.NewIdentityResolver(auth.NewLocalVerifier(codec),
//	    auth.WithMobileVerifier(auth.NewMobileVerifier(mobileProvider, 5*time.Second)))
//	gate := auth.NewGate(resolver, provisioner)
//	router.Use(gate.Middleware)
package auth
