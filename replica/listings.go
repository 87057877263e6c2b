package replica

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

// ApplyAccountPage stores one page of an account listing starting at index.
// A page at index 0 starts a new listing; later pages must continue it.
// It returns the number of accounts in the listing.
func (r *Replica) ApplyAccountPage(index int, page []types.UserAccount) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := applyPage(r.accounts, index, page, types.UserAccount.Clone)
	if err != nil {
		return len(r.accounts), violation("Replica.ApplyAccountPage", err,
			logrus.Fields{"index": index, "have": len(r.accounts)})
	}
	r.accounts = merged
	return len(r.accounts), nil
}

// ApplyBanPage stores one page of a ban listing starting at index.
func (r *Replica) ApplyBanPage(index int, page []types.BannedUser) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := applyPage(r.bans, index, page, func(b types.BannedUser) types.BannedUser { return b })
	if err != nil {
		return len(r.bans), violation("Replica.ApplyBanPage", err,
			logrus.Fields{"index": index, "have": len(r.bans)})
	}
	r.bans = merged
	return len(r.bans), nil
}

func applyPage[T any](have []T, index int, page []T, clone func(T) T) ([]T, error) {
	if index < 0 || index > len(have) {
		return nil, fmt.Errorf("%w: page at %d, have %d items", ErrListingGap, index, len(have))
	}
	out := make([]T, 0, index+len(page))
	out = append(out, have[:index]...)
	for _, item := range page {
		out = append(out, clone(item))
	}
	return out, nil
}

// UserAccounts returns the assembled account listing.
func (r *Replica) UserAccounts() []types.UserAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserAccount, len(r.accounts))
	for i, a := range r.accounts {
		out[i] = a.Clone()
	}
	return out
}

// AddUserAccount inserts an account, or replaces the account with the same
// username and returns true.
func (r *Replica) AddUserAccount(a types.UserAccount) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.accounts {
		if r.accounts[i].Username == a.Username {
			r.accounts[i] = a.Clone()
			return true
		}
	}
	r.accounts = append(r.accounts, a.Clone())
	return false
}

// RemoveUserAccount deletes an account by username.
func (r *Replica) RemoveUserAccount(username string) (types.UserAccount, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.accounts {
		if a.Username == username {
			r.accounts = slices.Delete(r.accounts, i, i+1)
			return a, true
		}
	}
	return types.UserAccount{}, false
}

// BannedUsers returns the assembled ban listing.
func (r *Replica) BannedUsers() []types.BannedUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bans)
}

// RemoveBans deletes every ban matching the IP address or username and
// returns how many were removed.
func (r *Replica) RemoveBans(ipAddress, username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.bans)
	r.bans = slices.DeleteFunc(r.bans, func(b types.BannedUser) bool {
		return (ipAddress != "" && b.IPAddress == ipAddress) || (username != "" && b.Username == username)
	})
	return before - len(r.bans)
}

// SetServerProperties stores the server properties and reports a change.
func (r *Replica) SetServerProperties(p types.ServerProperties) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.props == p {
		return false
	}
	r.props = p
	return true
}

// ServerProperties returns the last announced server properties.
func (r *Replica) ServerProperties() types.ServerProperties {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props
}

// SetServerStatistics stores a statistics reply.
func (r *Replica) SetServerStatistics(s types.ServerStatistics) {
	r.mu.Lock()
	r.stats = s
	r.mu.Unlock()
}

// ServerStatistics returns the last statistics reply.
func (r *Replica) ServerStatistics() types.ServerStatistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
