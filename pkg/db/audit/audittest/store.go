// Package audittest provides an in-memory audit.Store for tests.
package audittest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/virtualvasu/saferoads-filecoin/pkg/db/audit"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

type Store struct {
	mu      sync.Mutex
	records map[string]audit.VerificationRecord

	// Err, when set, fails every call.
	Err error
}

var _ audit.Store = (*Store)(nil)

func New() *Store {
	return &Store{records: map[string]audit.VerificationRecord{}}
}

func recordKey(network string, id uint64) string {
	return fmt.Sprintf("%s/%d", network, id)
}

func (s *Store) RecordVerification(_ context.Context, rec audit.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.records[recordKey(rec.Network, rec.IncidentID)] = rec
	return nil
}

func (s *Store) VerificationsByReporter(_ context.Context, network string, reporter ledger.Account, limit int) ([]audit.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := []audit.VerificationRecord{}
	for _, r := range s.records {
		if r.Network == network && strings.EqualFold(r.Reporter, reporter.String()) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every record ascending by incident id.
func (s *Store) All() []audit.VerificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.VerificationRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out
}

func (s *Store) Close() error { return nil }
