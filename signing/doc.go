// Package signing provides the default RS256 token signer.
//
// RSASigner implements server.TokenSigner, server.IDTokenSigner and
// server.KeySetProvider with a single RSA key. Platforms that already run a
// signing service can implement server.TokenSigner themselves instead.
package signing
