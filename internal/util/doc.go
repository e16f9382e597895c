// Package util holds small helpers shared by the storage backends and the
// authorization server.
//
// Key utilities:
//   - SafeTruncate: truncates secrets to a loggable prefix
//   - NormalizeURL: trims trailing slashes from configured URLs
//   - ClassifyIP / IsLoopbackHostname: loopback detection for native app redirect URIs
package util
