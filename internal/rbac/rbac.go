// Package rbac holds the approval-authorization policy for edit proposals.
//
// Policy, in priority order:
//  1. the article author may always approve edits on their own article
//  2. when a static operator allow-list is configured it decides alone,
//     without consulting the account store
//  3. otherwise the actor's account must carry the admin or reviewer flag
package rbac

type Account struct {
	FID        string
	IsAdmin    bool
	IsReviewer bool
}

// SelfOrListed resolves the first two policy steps, which never touch the
// account store. It returns (allowed, decided): when decided is false the
// caller must look up the actor's account and call HasRole.
func SelfOrListed(actorFID, ownerFID string, allowList []string) (allowed, decided bool) {
	if actorFID != "" && actorFID == ownerFID {
		return true, true
	}
	if len(allowList) > 0 {
		for _, fid := range allowList {
			if fid == actorFID {
				return true, true
			}
		}
		return false, true
	}
	return false, false
}

// HasRole resolves the third policy step from a fetched account row.
// A nil account means the actor has never been seen and is denied.
func HasRole(account *Account) bool {
	if account == nil {
		return false
	}
	return account.IsAdmin || account.IsReviewer
}
