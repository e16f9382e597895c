package memory

import (
	"slices"

	"github.com/nocturne/nocturne-auth/storage"
)

// Records are copied on the way in and out so callers never share memory
// with the store.

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp
}

func cloneGrant(g *storage.Grant) *storage.Grant {
	cp := *g
	cp.Scopes = slices.Clone(g.Scopes)
	return &cp
}

func cloneAuthorizationCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func cloneAuthorizationRequest(r *storage.AuthorizationRequest) *storage.AuthorizationRequest {
	cp := *r
	cp.Scopes = slices.Clone(r.Scopes)
	return &cp
}

func cloneDeviceCode(d *storage.DeviceCode) *storage.DeviceCode {
	cp := *d
	cp.Scopes = slices.Clone(d.Scopes)
	return &cp
}

func cloneRefreshToken(t *storage.RefreshToken) *storage.RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

func cloneInvite(inv *storage.Invite) *storage.Invite {
	cp := *inv
	cp.Scopes = slices.Clone(inv.Scopes)
	cp.Uses = slices.Clone(inv.Uses)
	if inv.MaxUses != nil {
		n := *inv.MaxUses
		cp.MaxUses = &n
	}
	return &cp
}
