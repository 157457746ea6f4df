// Package credentials implements the OCPI credentials handshake: registration
// with a single-use Token A, Token C rotation and revocation.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/helper"
	"github.com/balu-dk/go-ocpi/internal/mutex"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

// Remote is the part of the outbound client the manager needs
type Remote interface {
	GetVersions(ctx context.Context, url, token string) ([]ocpi.VersionInfo, error)
	GetVersionDetails(ctx context.Context, url, token string) (*ocpi.VersionDetails, error)
	PostCredentials(ctx context.Context, url, token string, own *ocpi.Credentials) (*ocpi.Credentials, error)
}

// Self describes our own party
type Self struct {
	Role            ocpi.Role
	CountryCode     string
	PartyID         string
	BusinessDetails ocpi.BusinessDetails
	VersionsURL     string
}

// Manager runs the credentials exchange
type Manager struct {
	self   Self
	tokens store.TokenStore
	creds  store.CredentialStore
	remote Remote

	parties mutex.Keyed[ocpi.PartyKey]

	mu        sync.Mutex
	rotations map[ocpi.PartyKey]*Rotation
	endpoints map[ocpi.PartyKey]*ocpi.VersionDetails

	log *logrus.Entry
}

// NewManager creates a manager
func NewManager(self Self, tokens store.TokenStore, creds store.CredentialStore, remote Remote) *Manager {
	return &Manager{
		self:      self,
		tokens:    tokens,
		creds:     creds,
		remote:    remote,
		rotations: make(map[ocpi.PartyKey]*Rotation),
		endpoints: make(map[ocpi.PartyKey]*ocpi.VersionDetails),
		log:       logrus.WithField("component", "credentials"),
	}
}

// Own returns our credentials object carrying the given token
func (m *Manager) Own(token string) *ocpi.Credentials {
	return &ocpi.Credentials{
		Token:           token,
		URL:             m.self.VersionsURL,
		BusinessDetails: m.self.BusinessDetails,
		PartyID:         m.self.PartyID,
		CountryCode:     m.self.CountryCode,
		Role:            m.self.Role,
	}
}

// IssueTokenA creates a fresh registration token to hand out of band
func (m *Manager) IssueTokenA(ctx context.Context) (*ocpi.Token, error) {
	value, err := helper.GenerateToken()
	if err != nil {
		return nil, err
	}
	return m.SeedTokenA(ctx, value)
}

// SeedTokenA stores a known registration token unless it already exists
func (m *Manager) SeedTokenA(ctx context.Context, value string) (*ocpi.Token, error) {
	if existing, err := m.tokens.GetToken(ctx, value); err == nil {
		return existing, nil
	} else if !errors.Is(err, ocpi.ErrNotFound) {
		return nil, err
	}

	t := &ocpi.Token{
		UID:       value,
		Type:      ocpi.TokenTypeA,
		Valid:     true,
		Whitelist: ocpi.WhitelistAlways,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.tokens.PutToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store token A: %w", err)
	}
	m.log.WithField("token", ocpi.Short(value)).Info("Issued token A")
	return t, nil
}

func (m *Manager) checkCounterparty(theirs *ocpi.Credentials) error {
	if err := theirs.Validate(); err != nil {
		return err
	}
	if theirs.Role == m.self.Role {
		return ocpi.Validationf("counterparty role %s equals our own", theirs.Role)
	}
	return nil
}

func (m *Manager) newTokenC(party ocpi.PartyKey, role ocpi.Role) (*ocpi.Token, error) {
	value, err := helper.GenerateToken()
	if err != nil {
		return nil, err
	}
	return &ocpi.Token{
		UID:         value,
		Type:        ocpi.TokenTypeC,
		Role:        role,
		CountryCode: party.CountryCode,
		PartyID:     party.PartyID,
		Valid:       true,
		Whitelist:   ocpi.WhitelistAlways,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// InitiateRegistration consumes tokenA and returns our credentials with a
// freshly generated Token C for the caller's party
func (m *Manager) InitiateRegistration(ctx context.Context, tokenA string, theirs *ocpi.Credentials) (*ocpi.Credentials, error) {
	if err := m.checkCounterparty(theirs); err != nil {
		return nil, err
	}
	party := theirs.Key()

	unlock := m.parties.Lock(party)
	defer unlock()

	t, err := m.tokens.GetToken(ctx, tokenA)
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, ocpi.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if t.Type != ocpi.TokenTypeA || !t.Valid {
		return nil, ocpi.ErrInvalidToken
	}

	consumed, err := m.tokens.ConsumeToken(ctx, tokenA)
	if err != nil {
		return nil, err
	}

	// Until Token C is in place every failure hands Token A back
	tokenC, err := m.newTokenC(party, theirs.Role)
	if err != nil {
		m.releaseTokenA(ctx, t)
		return nil, err
	}
	previous, err := m.creds.GetCredentials(ctx, party)
	if err != nil && !errors.Is(err, ocpi.ErrUnknownParty) {
		m.releaseTokenA(ctx, t)
		return nil, err
	}
	if err := m.creds.PutCredentials(ctx, theirs); err != nil {
		m.releaseTokenA(ctx, t)
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := m.tokens.ReplacePartyToken(ctx, tokenC); err != nil {
		m.restoreCredentials(ctx, party, previous)
		m.releaseTokenA(ctx, t)
		return nil, fmt.Errorf("failed to store token C: %w", err)
	}
	m.dropRotation(party)

	consumed.Role = theirs.Role
	consumed.CountryCode = party.CountryCode
	consumed.PartyID = party.PartyID
	if err := m.tokens.PutToken(ctx, consumed); err != nil {
		m.log.WithError(err).Warn("Failed to record token A owner")
	}

	m.forgetEndpoints(party)
	m.log.WithFields(logrus.Fields{
		"party":   party.String(),
		"role":    theirs.Role,
		"token_a": ocpi.Short(tokenA),
		"token_c": ocpi.Short(tokenC.UID),
	}).Info("Registered counterparty")

	return m.Own(tokenC.UID), nil
}

// releaseTokenA makes an unused copy of a consumed Token A valid again
func (m *Manager) releaseTokenA(ctx context.Context, t *ocpi.Token) {
	unused := *t
	unused.Used = false
	if err := m.tokens.PutToken(context.WithoutCancel(ctx), &unused); err != nil {
		m.log.WithError(err).WithField("token_a", ocpi.Short(t.UID)).Error("Failed to release token A")
	}
}

// restoreCredentials puts back the credentials held before a failed registration
func (m *Manager) restoreCredentials(ctx context.Context, party ocpi.PartyKey, previous *ocpi.Credentials) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if previous != nil {
		err = m.creds.PutCredentials(ctx, previous)
	} else {
		err = m.creds.DeleteCredentials(ctx, party)
		if errors.Is(err, ocpi.ErrUnknownParty) {
			err = nil
		}
	}
	if err != nil {
		m.log.WithError(err).WithField("party", party.String()).Error("Failed to restore credentials")
	}
}

// IssueTokenB creates a token a registered party presents when asking for
// real-time authorization of our tokens. A non-empty locationID limits the
// token to that location.
func (m *Manager) IssueTokenB(ctx context.Context, party ocpi.PartyKey, locationID string) (*ocpi.Token, error) {
	if m.self.Role != ocpi.RoleEMSP {
		return nil, ocpi.Validationf("token B is issued by the token owner (%s)", ocpi.RoleEMSP)
	}

	unlock := m.parties.Lock(party)
	defer unlock()

	theirs, err := m.creds.GetCredentials(ctx, party)
	if err != nil {
		return nil, err
	}
	value, err := helper.GenerateToken()
	if err != nil {
		return nil, err
	}
	t := &ocpi.Token{
		UID:         value,
		Type:        ocpi.TokenTypeB,
		Role:        theirs.Role,
		CountryCode: party.CountryCode,
		PartyID:     party.PartyID,
		Valid:       true,
		Whitelist:   ocpi.WhitelistAlways,
		CreatedAt:   time.Now().UTC(),
		LocationID:  locationID,
	}
	if err := m.tokens.PutToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store token B: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"party":    party.String(),
		"token":    ocpi.Short(value),
		"location": locationID,
	}).Info("Issued token B")
	return t, nil
}

// Rotation is a pending Token C replacement. The old token stays valid until
// Commit is called after the response carrying the new token was delivered.
type Rotation struct {
	m      *Manager
	party  ocpi.PartyKey
	old    string
	token  *ocpi.Token
	theirs *ocpi.Credentials
	once   sync.Once
}

// Token returns the replacement token value
func (r *Rotation) Token() string {
	return r.token.UID
}

// Commit atomically swaps the old token for the new one. It fails without
// writing anything when the party was revoked or re-registered meanwhile.
func (r *Rotation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		defer r.m.finishRotation(r)

		unlock := r.m.parties.Lock(r.party)
		defer unlock()

		if _, err = r.m.creds.GetCredentials(ctx, r.party); err != nil {
			return
		}
		if _, err = r.m.validTokenC(ctx, r.old); err != nil {
			return
		}
		if err = r.m.tokens.ReplacePartyToken(ctx, r.token); err != nil {
			err = fmt.Errorf("failed to store rotated token: %w", err)
			return
		}
		if err = r.m.creds.PutCredentials(ctx, r.theirs); err != nil {
			err = fmt.Errorf("failed to store rotated credentials: %w", err)
			return
		}
		r.m.forgetEndpoints(r.party)
		r.m.log.WithFields(logrus.Fields{
			"party":     r.party.String(),
			"old_token": ocpi.Short(r.old),
			"new_token": ocpi.Short(r.token.UID),
		}).Info("Rotated credentials")
	})
	return err
}

// Abort drops the pending rotation, keeping the old token
func (r *Rotation) Abort() {
	r.once.Do(func() {
		r.m.finishRotation(r)
		r.m.log.WithField("party", r.party.String()).Warn("Aborted credentials rotation")
	})
}

// dropRotation forgets a pending rotation of party. Its Commit then finds
// the relationship changed and fails.
func (m *Manager) dropRotation(party ocpi.PartyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rotations, party)
}

func (m *Manager) finishRotation(r *Rotation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotations[r.party] == r {
		delete(m.rotations, r.party)
	}
}

// RotateCredentials prepares a replacement for tokenC. The caller delivers
// the returned credentials and then commits or aborts the rotation.
func (m *Manager) RotateCredentials(ctx context.Context, tokenC string, theirs *ocpi.Credentials) (*ocpi.Credentials, *Rotation, error) {
	if err := m.checkCounterparty(theirs); err != nil {
		return nil, nil, err
	}

	current, err := m.validTokenC(ctx, tokenC)
	if err != nil {
		return nil, nil, err
	}
	party := current.PartyKey()
	if theirs.Key() != party {
		return nil, nil, ocpi.Validationf("credentials party %s does not match token owner %s", theirs.Key(), party)
	}
	if _, err := m.creds.GetCredentials(ctx, party); err != nil {
		return nil, nil, err
	}

	replacement, err := m.newTokenC(party, theirs.Role)
	if err != nil {
		return nil, nil, err
	}
	rot := &Rotation{m: m, party: party, old: tokenC, token: replacement, theirs: theirs}

	m.mu.Lock()
	if _, busy := m.rotations[party]; busy {
		m.mu.Unlock()
		return nil, nil, ocpi.ErrRotationConflict
	}
	m.rotations[party] = rot
	m.mu.Unlock()

	return m.Own(replacement.UID), rot, nil
}

// RevokeCredentials ends the relationship with the owner of tokenC
func (m *Manager) RevokeCredentials(ctx context.Context, tokenC string) error {
	current, err := m.validTokenC(ctx, tokenC)
	if err != nil {
		return err
	}
	return m.RevokeParty(ctx, current.PartyKey())
}

// RevokeParty invalidates every token of a party and forgets its credentials
func (m *Manager) RevokeParty(ctx context.Context, party ocpi.PartyKey) error {
	unlock := m.parties.Lock(party)
	defer unlock()

	if err := m.creds.DeleteCredentials(ctx, party); err != nil {
		return err
	}
	if err := m.tokens.InvalidatePartyTokens(ctx, party); err != nil {
		return fmt.Errorf("failed to invalidate tokens: %w", err)
	}
	m.dropRotation(party)
	m.forgetEndpoints(party)
	m.log.WithField("party", party.String()).Info("Revoked credentials")
	return nil
}

// Credentials returns the stored credentials of a counterparty
func (m *Manager) Credentials(ctx context.Context, party ocpi.PartyKey) (*ocpi.Credentials, error) {
	return m.creds.GetCredentials(ctx, party)
}

// Parties lists registered counterparties
func (m *Manager) Parties(ctx context.Context) ([]*ocpi.Credentials, error) {
	return m.creds.ListCredentials(ctx)
}

func (m *Manager) validTokenC(ctx context.Context, value string) (*ocpi.Token, error) {
	t, err := m.tokens.GetToken(ctx, value)
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, ocpi.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if t.Type != ocpi.TokenTypeC {
		return nil, ocpi.ErrInvalidToken
	}
	if !t.Valid {
		return nil, ocpi.ErrTokenRevoked
	}
	return t, nil
}
