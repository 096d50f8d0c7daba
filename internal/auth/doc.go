// Package auth verifies correlation tokens issued to external signers.
//
// When an account's credential lives in an external signer (NIP-55 on
// Android, or any platform that returns results via an asynchronous
// callback), a JWTVerifier mints a short-lived token to correlate the
// request with the callback that eventually answers it. The token carries
// no secret material, only a principal id subject to HS256 signature
// verification.
package auth
