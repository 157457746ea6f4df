package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Register performs the handshake against a counterparty that issued us
// tokenA: discover their credentials endpoint, send our credentials with a
// new Token C for them and store the credentials they answer with.
func (m *Manager) Register(ctx context.Context, versionsURL, tokenA string) (*ocpi.Credentials, error) {
	details, err := m.discover(ctx, versionsURL, tokenA)
	if err != nil {
		return nil, err
	}

	endpoint, ok := details.Find(ocpi.ModuleCredentials, ocpi.InterfaceReceiver)
	if !ok {
		if endpoint, ok = details.Find(ocpi.ModuleCredentials, ocpi.InterfaceSender); !ok {
			return nil, ocpi.Validationf("counterparty exposes no credentials endpoint")
		}
	}

	// the party is unknown until they answer; the token is bound to it below
	pending, err := m.newTokenC(ocpi.PartyKey{}, m.self.Role.Counterparty())
	if err != nil {
		return nil, err
	}

	theirs, err := m.remote.PostCredentials(ctx, endpoint.URL, tokenA, m.Own(pending.UID))
	if err != nil {
		return nil, fmt.Errorf("registration with %s failed: %w", versionsURL, err)
	}
	if err := m.checkCounterparty(theirs); err != nil {
		return nil, err
	}

	party := theirs.Key()
	unlock := m.parties.Lock(party)
	defer unlock()

	pending.CountryCode = party.CountryCode
	pending.PartyID = party.PartyID
	pending.Role = theirs.Role
	previous, err := m.creds.GetCredentials(ctx, party)
	if err != nil && !errors.Is(err, ocpi.ErrUnknownParty) {
		return nil, err
	}
	if err := m.creds.PutCredentials(ctx, theirs); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := m.tokens.ReplacePartyToken(ctx, pending); err != nil {
		m.restoreCredentials(ctx, party, previous)
		return nil, fmt.Errorf("failed to store token C: %w", err)
	}

	m.mu.Lock()
	delete(m.rotations, party)
	m.endpoints[party] = details
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"party": party.String(),
		"role":  theirs.Role,
		"url":   versionsURL,
	}).Info("Registered with counterparty")
	return theirs, nil
}

// Endpoint resolves the URL of a counterparty module endpoint and the token
// to call it with. Version details are cached until the party's credentials change.
func (m *Manager) Endpoint(ctx context.Context, party ocpi.PartyKey, module ocpi.ModuleID, role ocpi.InterfaceRole) (string, string, error) {
	theirs, err := m.creds.GetCredentials(ctx, party)
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	details, ok := m.endpoints[party]
	m.mu.Unlock()

	if !ok {
		if details, err = m.discover(ctx, theirs.URL, theirs.Token); err != nil {
			return "", "", err
		}
		m.mu.Lock()
		m.endpoints[party] = details
		m.mu.Unlock()
	}

	endpoint, ok := details.Find(module, role)
	if !ok {
		return "", "", fmt.Errorf("%w: %s does not expose %s %s", ocpi.ErrNotFound, party, module, role)
	}
	return endpoint.URL, theirs.Token, nil
}

func (m *Manager) discover(ctx context.Context, versionsURL, token string) (*ocpi.VersionDetails, error) {
	versions, err := m.remote.GetVersions(ctx, versionsURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch versions from %s: %w", versionsURL, err)
	}

	for _, v := range versions {
		if v.Version != ocpi.Version {
			continue
		}
		details, err := m.remote.GetVersionDetails(ctx, v.URL, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch version details from %s: %w", v.URL, err)
		}
		return details, nil
	}
	return nil, ocpi.Validationf("counterparty does not support OCPI %s", ocpi.Version)
}

func (m *Manager) forgetEndpoints(party ocpi.PartyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, party)
}
