// Package oauth is the HTTP surface of the nocturne authorization server.
//
// Handler adapts server.Server to net/http and Router mounts every endpoint
// on a gorilla/mux router:
//
//	srv, _ := server.New(store, signer, serverConfig, logger)
//	h, err := oauth.NewHandler(srv, &oauth.Config{
//	    CORS: oauth.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
//	})
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//	http.ListenAndServe(":8080", h.Router())
//
// Users are identified by an Authenticator. The default TokenAuthenticator
// accepts access tokens issued by this server, either as a bearer token or
// in the session cookie named by Config.SessionCookieName.
package oauth
