package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"farpedia/api/internal/points"
	"farpedia/api/internal/store"
)

func (s *Service) requireAdmin(ctx context.Context, fid string) error {
	if listed(s.opts.AdminFIDs, fid) {
		return nil
	}
	account, err := s.store.GetAccount(ctx, fid)
	if err != nil {
		return domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "Account lookup failed", nil)
	}
	if account == nil || !account.IsAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Admin access required", nil)
	}
	return nil
}

func (s *Service) AdminListAccounts(ctx context.Context, actorFID string, limit, offset int) (map[string]any, error) {
	if err := s.requireAdmin(ctx, actorFID); err != nil {
		return nil, err
	}
	accounts, total, err := s.store.ListAccounts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []store.Account{}
	}
	return map[string]any{"accounts": accounts, "total": total}, nil
}

func (s *Service) AdminSetAccountAdmin(ctx context.Context, actorFID, targetFID string, isAdmin bool) (map[string]any, error) {
	if err := s.requireAdmin(ctx, actorFID); err != nil {
		return nil, err
	}
	if err := s.store.SetAccountAdmin(ctx, targetFID, isAdmin); err != nil {
		return nil, err
	}
	return map[string]any{"fid": targetFID, "isAdmin": isAdmin}, nil
}

// AdminAirdrop awards points in bulk from CSV lines of "fid,points[,reason]".
// Bad lines are skipped and reported, good lines still land.
func (s *Service) AdminAirdrop(ctx context.Context, actorFID, batchID, input string) (map[string]any, error) {
	if err := s.requireAdmin(ctx, actorFID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(batchID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "batchId is required", nil)
	}

	awarded := 0
	var skipped []string
	for i, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "fid,") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			skipped = append(skipped, fmt.Sprintf("line %d: expected fid,points", i+1))
			continue
		}
		fid := strings.TrimSpace(fields[0])
		amount, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil || fid == "" || amount <= 0 {
			skipped = append(skipped, fmt.Sprintf("line %d: invalid fid or points", i+1))
			continue
		}
		reason := "airdrop"
		if len(fields) > 2 && strings.TrimSpace(fields[2]) != "" {
			reason = strings.TrimSpace(fields[2])
		}
		if err := s.points.Award(ctx, fid, points.SourceAirdrop, batchID, amount, reason); err != nil {
			var aggErr *points.AggregateError
			if errors.As(err, &aggErr) {
				log.Printf("airdrop: aggregate lagging for %s: %v", fid, err)
			} else {
				skipped = append(skipped, fmt.Sprintf("line %d: %v", i+1, err))
				continue
			}
		}
		awarded++
	}
	if skipped == nil {
		skipped = []string{}
	}
	return map[string]any{"batchId": batchID, "awarded": awarded, "skipped": skipped}, nil
}

// AdminAirdropExport renders current ledger totals as CSV, one row per
// account with a verified address, ready to feed a distribution script.
func (s *Service) AdminAirdropExport(ctx context.Context, actorFID string) (string, error) {
	if err := s.requireAdmin(ctx, actorFID); err != nil {
		return "", err
	}
	totals, err := s.store.AllContributionTotals(ctx)
	if err != nil {
		return "", err
	}

	accounts := map[string]store.Account{}
	for offset := 0; ; {
		page, total, err := s.store.ListAccounts(ctx, 200, offset)
		if err != nil {
			return "", err
		}
		for _, a := range page {
			accounts[a.FID] = a
		}
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}

	fids := make([]string, 0, len(totals))
	for fid := range totals {
		fids = append(fids, fid)
	}
	sort.Strings(fids)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"fid", "username", "address", "points"})
	for _, fid := range fids {
		account := accounts[fid]
		address := ""
		if eth := account.VerifiedAddresses["eth_addresses"]; len(eth) > 0 {
			address = eth[0]
		}
		_ = w.Write([]string{fid, account.Username, address, strconv.Itoa(totals[fid])})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- webhooks ---

func (s *Service) StoreWebhookEvent(ctx context.Context, eventType string, payload json.RawMessage, headers map[string]string, verified bool) (store.WebhookEvent, error) {
	if strings.TrimSpace(eventType) == "" {
		eventType = "unknown"
	}
	return s.store.InsertWebhookEvent(ctx, eventType, payload, headers, verified)
}

func (s *Service) AdminListWebhookEvents(ctx context.Context, actorFID, eventType string, limit, offset int) (map[string]any, error) {
	if err := s.requireAdmin(ctx, actorFID); err != nil {
		return nil, err
	}
	events, total, err := s.store.ListWebhookEvents(ctx, eventType, limit, offset)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.WebhookEvent{}
	}
	return map[string]any{"events": events, "total": total}, nil
}

// TrackEvent records a client analytics event in the request log. Events are
// fire-and-forget; nothing is persisted.
func (s *Service) TrackEvent(name string, properties map[string]any) {
	props, _ := json.Marshal(properties)
	log.Printf("analytics: event=%s properties=%s", name, props)
}
