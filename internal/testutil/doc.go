// Package testutil provides a controllable clock, PKCE pairs and a small
// request builder shared by the nocturne-auth test suites.
package testutil
