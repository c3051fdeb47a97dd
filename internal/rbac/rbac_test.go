package rbac

import "testing"

func TestSelfApprovalAlwaysAllowed(t *testing.T) {
	allowed, decided := SelfOrListed("100", "100", nil)
	if !allowed || !decided {
		t.Fatalf("expected self-approval to be allowed and decided, got allowed=%v decided=%v", allowed, decided)
	}

	// Even when an allow-list exists that does not contain the author.
	allowed, decided = SelfOrListed("100", "100", []string{"999"})
	if !allowed || !decided {
		t.Fatalf("expected self-approval to win over allow-list, got allowed=%v decided=%v", allowed, decided)
	}
}

func TestEmptyActorNeverSelfApproves(t *testing.T) {
	allowed, decided := SelfOrListed("", "", nil)
	if allowed {
		t.Fatal("empty actor must not match empty owner")
	}
	if decided {
		t.Fatal("expected fall-through to account lookup")
	}
}

func TestAllowListDecidesWhenConfigured(t *testing.T) {
	allowed, decided := SelfOrListed("200", "100", []string{"200", "300"})
	if !allowed || !decided {
		t.Fatalf("listed actor should be allowed, got allowed=%v decided=%v", allowed, decided)
	}

	allowed, decided = SelfOrListed("400", "100", []string{"200", "300"})
	if allowed {
		t.Fatal("unlisted actor must be denied")
	}
	if !decided {
		t.Fatal("non-empty allow-list must decide without a store lookup")
	}
}

func TestNoAllowListDefersToAccountFlags(t *testing.T) {
	_, decided := SelfOrListed("200", "100", nil)
	if decided {
		t.Fatal("expected account lookup to be required")
	}

	if HasRole(nil) {
		t.Fatal("unknown account must be denied")
	}
	if HasRole(&Account{FID: "200"}) {
		t.Fatal("account without flags must be denied")
	}
	if !HasRole(&Account{FID: "200", IsAdmin: true}) {
		t.Fatal("admin must be allowed")
	}
	if !HasRole(&Account{FID: "200", IsReviewer: true}) {
		t.Fatal("reviewer must be allowed")
	}
}
