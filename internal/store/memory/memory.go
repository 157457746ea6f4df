// Package memory implements the store interfaces in process memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"

	"github.com/balu-dk/go-ocpi/internal/db/models"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps everything in maps and a radix tree of module records
type Store struct {
	mu sync.RWMutex

	tokens       map[string]*ocpi.Token
	credentials  map[ocpi.PartyKey]*ocpi.Credentials
	records      *radix.Tree
	commands     map[string]*ocpi.Command
	chargePoints map[string]*models.ChargePoint
	connectors   map[string]*models.Connector
	transactions map[int]*models.Transaction
	messages     []*models.OCPPMessage
	lastTxID     int
}

// New returns an empty store
func New() *Store {
	return &Store{
		tokens:       make(map[string]*ocpi.Token),
		credentials:  make(map[ocpi.PartyKey]*ocpi.Credentials),
		records:      radix.New(),
		commands:     make(map[string]*ocpi.Command),
		chargePoints: make(map[string]*models.ChargePoint),
		connectors:   make(map[string]*models.Connector),
		transactions: make(map[int]*models.Transaction),
	}
}

// Close is a no-op
func (s *Store) Close() {}

// Tokens

func (s *Store) GetToken(ctx context.Context, uid string) (*ocpi.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[uid]
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) PutToken(ctx context.Context, t *ocpi.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tokens[t.UID] = &cp
	return nil
}

func (s *Store) ConsumeToken(ctx context.Context, uid string) (*ocpi.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[uid]
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	if t.Used {
		return nil, ocpi.ErrTokenAlreadyUsed
	}
	t.Used = true
	cp := *t
	return &cp, nil
}

func (s *Store) ReplacePartyToken(ctx context.Context, t *ocpi.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	party := t.PartyKey()
	for _, existing := range s.tokens {
		if existing.Type == ocpi.TokenTypeC && existing.Valid && existing.PartyKey() == party && existing.UID != t.UID {
			existing.Valid = false
			existing.RevokedAt = &now
		}
	}
	cp := *t
	s.tokens[t.UID] = &cp
	return nil
}

func (s *Store) InvalidatePartyTokens(ctx context.Context, party ocpi.PartyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range s.tokens {
		if t.Valid && t.Type != ocpi.TokenTypeA && t.PartyKey() == party {
			t.Valid = false
			t.RevokedAt = &now
		}
	}
	return nil
}

func (s *Store) ListTokens(ctx context.Context) ([]*ocpi.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ocpi.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Credentials

func (s *Store) GetCredentials(ctx context.Context, party ocpi.PartyKey) (*ocpi.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[party]
	if !ok {
		return nil, ocpi.ErrUnknownParty
	}
	cp := *c
	return &cp, nil
}

func (s *Store) PutCredentials(ctx context.Context, c *ocpi.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.credentials[c.Key()] = &cp
	return nil
}

func (s *Store) DeleteCredentials(ctx context.Context, party ocpi.PartyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[party]; !ok {
		return ocpi.ErrUnknownParty
	}
	delete(s.credentials, party)
	return nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*ocpi.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ocpi.Credentials, 0, len(s.credentials))
	for _, c := range s.credentials {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// Records

func recordPath(module ocpi.ModuleID, key ocpi.RecordKey) string {
	return strings.Join([]string{string(module), key.CountryCode, key.PartyID, key.ID}, "/")
}

func copyRecord(r *ocpi.Record) *ocpi.Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

func (s *Store) GetRecord(ctx context.Context, module ocpi.ModuleID, key ocpi.RecordKey) (*ocpi.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.records.Get(recordPath(module, key))
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	return copyRecord(raw.(*ocpi.Record)), nil
}

func (s *Store) PutRecord(ctx context.Context, r *ocpi.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records.Insert(recordPath(r.Module, r.Key), copyRecord(r))
	return nil
}

func (s *Store) InsertRecord(ctx context.Context, r *ocpi.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := recordPath(r.Module, r.Key)
	if _, ok := s.records.Get(path); ok {
		return ocpi.ErrImmutableRecord
	}
	s.records.Insert(path, copyRecord(r))
	return nil
}

func (s *Store) ListRecords(ctx context.Context, module ocpi.ModuleID, q store.Query) ([]*ocpi.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(module) + "/"
	if q.Party != nil {
		prefix += q.Party.CountryCode + "/" + q.Party.PartyID + "/"
	}

	var matched []*ocpi.Record
	s.records.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		r := v.(*ocpi.Record)
		if q.Matches(r) {
			matched = append(matched, r)
		}
		return false
	})
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].LastUpdated.Before(matched[j].LastUpdated)
	})

	total := len(matched)
	if q.Offset >= total {
		return []*ocpi.Record{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}

	out := make([]*ocpi.Record, 0, end-q.Offset)
	for _, r := range matched[q.Offset:end] {
		out = append(out, copyRecord(r))
	}
	return out, total, nil
}

// Commands

func (s *Store) SaveCommand(ctx context.Context, c *ocpi.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.commands[c.ID] = &cp
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*ocpi.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, ocpi.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCommands(ctx context.Context, limit int) ([]*ocpi.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ocpi.Command, 0, len(s.commands))
	for _, c := range s.commands {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
