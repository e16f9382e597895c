// Package server implements the authorization server logic independently of
// HTTP.
//
// The Server type coordinates the flows on top of a storage.Store, the scope
// taxonomy and a TokenSigner:
//   - Authorization Code with mandatory S256 PKCE, with silent re-approval
//     when an existing grant already covers the request
//   - Device Authorization Grant (RFC 8628) with per-code slow_down
//   - Refresh token rotation with reuse detection
//   - Revocation (RFC 7009) and introspection (RFC 7662)
//   - Follower grants and shareable invites
//
// Clients are either known (seeded from Config.KnownClients with a fixed
// redirect URI allow-list) or ad hoc: any unseen client_id is registered on
// first use and pins the first redirect URI it presents.
//
// Every single-use transition (code exchange, device redemption, refresh
// rotation, invite acceptance) is delegated to one atomic storage operation.
// The service layer never reads, checks and writes in separate steps.
//
// Example usage:
//
//	store := memory.New()
//	signer, _ := signing.NewRSASigner(key, "https://auth.example.com")
//
//	srv, err := server.New(store, signer, &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    LoginURL:   "https://app.example.com/login",
//	    ConsentURL: "https://app.example.com/consent",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = srv.SeedKnownClients(ctx)
package server
