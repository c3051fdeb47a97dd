package app

import (
	"context"
	"log"
	"net/http"

	"farpedia/api/internal/neynar"
	"farpedia/api/internal/store"
)

// ProfileView is the user payload served by the profile endpoint and the
// shape stored in the cache.
type ProfileView struct {
	FID           string               `json:"fid"`
	Username      string               `json:"username"`
	DisplayName   string               `json:"displayName"`
	PfpURL        string               `json:"pfpUrl"`
	FollowerCount int                  `json:"followerCount"`
	IsAdmin       bool                 `json:"isAdmin"`
	IsReviewer    bool                 `json:"isReviewer"`
	Points        int                  `json:"points"`
	Contributions []store.Contribution `json:"contributions"`
}

const profileContributionLimit = 20

// UserProfile assembles a profile from the account row, the points ledger
// and the identity provider. Results are cached for a short TTL; a cache
// outage only costs the extra reads.
func (s *Service) UserProfile(ctx context.Context, fid string) (ProfileView, error) {
	if s.cache != nil {
		var cached ProfileView
		if hit, err := s.cache.Get(ctx, fid, &cached); err != nil {
			log.Printf("profile: cache read for %s: %v", fid, err)
		} else if hit {
			return cached, nil
		}
	}

	account, err := s.store.GetAccount(ctx, fid)
	if err != nil {
		return ProfileView{}, err
	}

	var profile *neynar.User
	if p, err := s.rep.User(ctx, fid); err != nil {
		log.Printf("profile: provider lookup for %s: %v", fid, err)
	} else {
		profile = p
	}

	if account == nil && profile == nil {
		return ProfileView{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	}

	view := ProfileView{FID: fid, Contributions: []store.Contribution{}}
	if account != nil {
		view.Username = account.Username
		view.DisplayName = account.DisplayName
		view.PfpURL = account.PfpURL
		view.IsAdmin = account.IsAdmin
		view.IsReviewer = account.IsReviewer
	}
	if profile != nil {
		view.FollowerCount = profile.FollowerCount
		if view.Username == "" {
			view.Username = profile.Username
		}
		if view.DisplayName == "" {
			view.DisplayName = profile.DisplayName
		}
		if view.PfpURL == "" {
			view.PfpURL = profile.PfpURL
		}
	}

	total, err := s.points.Total(ctx, fid)
	if err != nil {
		log.Printf("profile: points total for %s: %v", fid, err)
	}
	view.Points = total

	if contributions, err := s.store.ListContributions(ctx, fid, profileContributionLimit); err != nil {
		log.Printf("profile: contributions for %s: %v", fid, err)
	} else if contributions != nil {
		view.Contributions = contributions
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, fid, view); err != nil {
			log.Printf("profile: cache write for %s: %v", fid, err)
		}
	}
	return view, nil
}
