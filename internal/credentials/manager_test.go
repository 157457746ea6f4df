package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store/memory"
)

type fakeRemote struct {
	versions []ocpi.VersionInfo
	details  *ocpi.VersionDetails
	answer   *ocpi.Credentials
	posted   *ocpi.Credentials
	postedTo string
	postAuth string
	gets     int
}

func (f *fakeRemote) GetVersions(ctx context.Context, url, token string) ([]ocpi.VersionInfo, error) {
	f.gets++
	return f.versions, nil
}

func (f *fakeRemote) GetVersionDetails(ctx context.Context, url, token string) (*ocpi.VersionDetails, error) {
	return f.details, nil
}

func (f *fakeRemote) PostCredentials(ctx context.Context, url, token string, own *ocpi.Credentials) (*ocpi.Credentials, error) {
	f.postedTo = url
	f.postAuth = token
	f.posted = own
	return f.answer, nil
}

var emspSelf = Self{
	Role:            ocpi.RoleEMSP,
	CountryCode:     "US",
	PartyID:         "EMS",
	BusinessDetails: ocpi.BusinessDetails{Name: "EMSP Inc"},
	VersionsURL:     "http://emsp/ocpi/emsp/versions",
}

var cpoParty = ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeRemote) {
	t.Helper()
	s := memory.New()
	remote := &fakeRemote{}
	return NewManager(emspSelf, s, s, remote), s, remote
}

// registeredManager returns a manager with the CPO registered and the
// Token C the CPO uses towards us
func registeredManager(t *testing.T) (*Manager, *memory.Store, string) {
	t.Helper()
	m, s, _ := newTestManager(t)
	_, err := m.SeedTokenA(context.Background(), "token-a")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(context.Background(), "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)
	return m, s, own.Token
}

func validTokensC(t *testing.T, s *memory.Store, party ocpi.PartyKey) int {
	t.Helper()
	tokens, err := s.ListTokens(context.Background())
	require.NoError(t, err)
	valid := 0
	for _, tok := range tokens {
		if tok.Type == ocpi.TokenTypeC && tok.Valid && tok.PartyKey() == party {
			valid++
		}
	}
	return valid
}

type flakyCredentials struct {
	*memory.Store
	failPuts int
}

func (f *flakyCredentials) PutCredentials(ctx context.Context, c *ocpi.Credentials) error {
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("db down")
	}
	return f.Store.PutCredentials(ctx, c)
}

type flakyTokens struct {
	*memory.Store
	failReplaces int
}

func (f *flakyTokens) ReplacePartyToken(ctx context.Context, t *ocpi.Token) error {
	if f.failReplaces > 0 {
		f.failReplaces--
		return errors.New("db down")
	}
	return f.Store.ReplacePartyToken(ctx, t)
}

func cpoCredentials(token string) *ocpi.Credentials {
	return &ocpi.Credentials{
		Token:           token,
		URL:             "http://cpo/ocpi/cpo/versions",
		BusinessDetails: ocpi.BusinessDetails{Name: "CPO Inc"},
		PartyID:         "CPO",
		CountryCode:     "NL",
		Role:            ocpi.RoleCPO,
	}
}

func TestManager_RegistrationConsumesTokenA(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(t)

	tokenA, err := m.IssueTokenA(ctx)
	require.NoError(t, err)

	own, err := m.InitiateRegistration(ctx, tokenA.UID, cpoCredentials("their-c"))
	require.NoError(t, err)
	assert.Equal(t, ocpi.RoleEMSP, own.Role)
	assert.NotEqual(t, tokenA.UID, own.Token)

	issued, err := s.GetToken(ctx, own.Token)
	require.NoError(t, err)
	assert.Equal(t, ocpi.TokenTypeC, issued.Type)
	assert.Equal(t, ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"}, issued.PartyKey())

	stored, err := s.GetCredentials(ctx, ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"})
	require.NoError(t, err)
	assert.Equal(t, "their-c", stored.Token)

	_, err = m.InitiateRegistration(ctx, tokenA.UID, cpoCredentials("their-c"))
	assert.ErrorIs(t, err, ocpi.ErrTokenAlreadyUsed)
}

func TestManager_RegistrationRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	_, err := m.SeedTokenA(ctx, "shared-token-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InitiateRegistration(ctx, "shared-token-a", cpoCredentials("their-c"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ocpi.ErrTokenAlreadyUsed)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestManager_RegistrationRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.InitiateRegistration(ctx, "unknown", cpoCredentials("x"))
	assert.ErrorIs(t, err, ocpi.ErrInvalidToken)

	_, err = m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)

	sameRole := cpoCredentials("x")
	sameRole.Role = ocpi.RoleEMSP
	_, err = m.InitiateRegistration(ctx, "token-a", sameRole)
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestManager_RotationKeepsOldTokenUntilCommit(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(t)
	_, err := m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)
	oldC := own.Token

	rotated, rot, err := m.RotateCredentials(ctx, oldC, cpoCredentials("their-c2"))
	require.NoError(t, err)
	newC := rotated.Token
	assert.NotEqual(t, oldC, newC)

	old, err := s.GetToken(ctx, oldC)
	require.NoError(t, err)
	assert.True(t, old.Valid, "old token must stay valid until commit")

	_, _, err = m.RotateCredentials(ctx, oldC, cpoCredentials("their-c3"))
	assert.ErrorIs(t, err, ocpi.ErrRotationConflict)

	require.NoError(t, rot.Commit(ctx))

	old, err = s.GetToken(ctx, oldC)
	require.NoError(t, err)
	assert.False(t, old.Valid)

	fresh, err := s.GetToken(ctx, newC)
	require.NoError(t, err)
	assert.True(t, fresh.Valid)

	assert.Equal(t, 1, validTokensC(t, s, cpoParty))

	stored, err := s.GetCredentials(ctx, ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"})
	require.NoError(t, err)
	assert.Equal(t, "their-c2", stored.Token)
}

func TestManager_RotationAbortKeepsOldToken(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(t)
	_, err := m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)

	rotated, rot, err := m.RotateCredentials(ctx, own.Token, cpoCredentials("their-c2"))
	require.NoError(t, err)
	rot.Abort()

	_, err = s.GetToken(ctx, rotated.Token)
	assert.ErrorIs(t, err, ocpi.ErrNotFound)

	_, rot, err = m.RotateCredentials(ctx, own.Token, cpoCredentials("their-c2"))
	require.NoError(t, err)
	rot.Abort()
}

func TestManager_RevokeThenUnknownParty(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager(t)
	_, err := m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)

	require.NoError(t, m.RevokeCredentials(ctx, own.Token))

	tok, err := s.GetToken(ctx, own.Token)
	require.NoError(t, err)
	assert.False(t, tok.Valid)

	_, err = m.Credentials(ctx, ocpi.PartyKey{CountryCode: "NL", PartyID: "CPO"})
	assert.ErrorIs(t, err, ocpi.ErrUnknownParty)

	err = m.RevokeCredentials(ctx, own.Token)
	assert.ErrorIs(t, err, ocpi.ErrTokenRevoked)
}

func TestManager_RegistrationFailureKeepsTokenA(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	m := NewManager(emspSelf, s, &flakyCredentials{Store: s, failPuts: 1}, &fakeRemote{})
	_, err := m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)

	_, err = m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.Error(t, err)

	a, err := s.GetToken(ctx, "token-a")
	require.NoError(t, err)
	assert.False(t, a.Used)
	assert.True(t, a.Valid)
	assert.Equal(t, 0, validTokensC(t, s, cpoParty))
	_, err = s.GetCredentials(ctx, cpoParty)
	assert.ErrorIs(t, err, ocpi.ErrUnknownParty)

	own, err := m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)
	assert.Equal(t, 1, validTokensC(t, s, cpoParty))

	issued, err := s.GetToken(ctx, own.Token)
	require.NoError(t, err)
	assert.True(t, issued.Valid)
}

func TestManager_ReRegistrationFailureRestoresCredentials(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tokens := &flakyTokens{Store: s}
	m := NewManager(emspSelf, tokens, s, &fakeRemote{})
	_, err := m.SeedTokenA(ctx, "token-a")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(ctx, "token-a", cpoCredentials("their-c"))
	require.NoError(t, err)

	_, err = m.SeedTokenA(ctx, "token-a2")
	require.NoError(t, err)
	tokens.failReplaces = 1
	_, err = m.InitiateRegistration(ctx, "token-a2", cpoCredentials("their-c2"))
	require.Error(t, err)

	stored, err := s.GetCredentials(ctx, cpoParty)
	require.NoError(t, err)
	assert.Equal(t, "their-c", stored.Token)

	old, err := s.GetToken(ctx, own.Token)
	require.NoError(t, err)
	assert.True(t, old.Valid)

	a, err := s.GetToken(ctx, "token-a2")
	require.NoError(t, err)
	assert.False(t, a.Used)
}

func TestManager_RevokeCancelsPendingRotation(t *testing.T) {
	ctx := context.Background()
	m, s, oldC := registeredManager(t)

	rotated, rot, err := m.RotateCredentials(ctx, oldC, cpoCredentials("their-c2"))
	require.NoError(t, err)
	require.NoError(t, m.RevokeCredentials(ctx, oldC))

	err = rot.Commit(ctx)
	assert.ErrorIs(t, err, ocpi.ErrUnknownParty)

	_, err = s.GetToken(ctx, rotated.Token)
	assert.ErrorIs(t, err, ocpi.ErrNotFound)
	_, err = m.Credentials(ctx, cpoParty)
	assert.ErrorIs(t, err, ocpi.ErrUnknownParty)
	assert.Equal(t, 0, validTokensC(t, s, cpoParty))
}

func TestManager_ReRegistrationCancelsPendingRotation(t *testing.T) {
	ctx := context.Background()
	m, s, oldC := registeredManager(t)

	rotated, rot, err := m.RotateCredentials(ctx, oldC, cpoCredentials("their-c2"))
	require.NoError(t, err)

	_, err = m.SeedTokenA(ctx, "token-a2")
	require.NoError(t, err)
	own, err := m.InitiateRegistration(ctx, "token-a2", cpoCredentials("their-c3"))
	require.NoError(t, err)

	err = rot.Commit(ctx)
	assert.ErrorIs(t, err, ocpi.ErrTokenRevoked)

	_, err = s.GetToken(ctx, rotated.Token)
	assert.ErrorIs(t, err, ocpi.ErrNotFound)
	stored, err := s.GetCredentials(ctx, cpoParty)
	require.NoError(t, err)
	assert.Equal(t, "their-c3", stored.Token)
	assert.Equal(t, 1, validTokensC(t, s, cpoParty))

	// the dropped rotation no longer blocks a new one
	_, next, err := m.RotateCredentials(ctx, own.Token, cpoCredentials("their-c4"))
	require.NoError(t, err)
	next.Abort()
}

func TestManager_ConcurrentRevokeAndCommit(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		m, s, oldC := registeredManager(t)
		rotated, rot, err := m.RotateCredentials(ctx, oldC, cpoCredentials("their-c2"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var commitErr, revokeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			commitErr = rot.Commit(ctx)
		}()
		go func() {
			defer wg.Done()
			revokeErr = m.RevokeCredentials(ctx, oldC)
		}()
		wg.Wait()

		_, credsErr := m.Credentials(ctx, cpoParty)
		if revokeErr == nil {
			assert.ErrorIs(t, credsErr, ocpi.ErrUnknownParty)
			assert.Equal(t, 0, validTokensC(t, s, cpoParty))
			continue
		}

		// the commit finished before the revoke looked up the old token
		assert.ErrorIs(t, revokeErr, ocpi.ErrTokenRevoked)
		require.NoError(t, commitErr)
		assert.NoError(t, credsErr)
		fresh, err := s.GetToken(ctx, rotated.Token)
		require.NoError(t, err)
		assert.True(t, fresh.Valid)
	}
}

func TestManager_IssueTokenB(t *testing.T) {
	ctx := context.Background()
	m, s, oldC := registeredManager(t)

	_, err := m.IssueTokenB(ctx, ocpi.PartyKey{CountryCode: "DE", PartyID: "XXX"}, "")
	assert.ErrorIs(t, err, ocpi.ErrUnknownParty)

	b, err := m.IssueTokenB(ctx, cpoParty, "LOC1")
	require.NoError(t, err)
	assert.Equal(t, ocpi.TokenTypeB, b.Type)
	assert.Equal(t, ocpi.RoleCPO, b.Role)
	assert.Equal(t, "LOC1", b.LocationID)

	_, rot, err := m.RotateCredentials(ctx, oldC, cpoCredentials("their-c2"))
	require.NoError(t, err)
	require.NoError(t, rot.Commit(ctx))

	stored, err := s.GetToken(ctx, b.UID)
	require.NoError(t, err)
	assert.True(t, stored.Valid, "rotation replaces Token C only")

	require.NoError(t, m.RevokeParty(ctx, cpoParty))
	stored, err = s.GetToken(ctx, b.UID)
	require.NoError(t, err)
	assert.False(t, stored.Valid)
}

func TestManager_IssueTokenBOnlyByTokenOwner(t *testing.T) {
	s := memory.New()
	self := emspSelf
	self.Role = ocpi.RoleCPO
	m := NewManager(self, s, s, &fakeRemote{})

	_, err := m.IssueTokenB(context.Background(), ocpi.PartyKey{CountryCode: "US", PartyID: "EMS"}, "")
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}

func TestManager_RegisterOutbound(t *testing.T) {
	ctx := context.Background()
	m, s, remote := newTestManager(t)
	remote.versions = []ocpi.VersionInfo{
		{Version: "2.1.1", URL: "http://cpo/ocpi/cpo/2.1.1"},
		{Version: "2.2.1", URL: "http://cpo/ocpi/cpo/2.2.1"},
	}
	remote.details = &ocpi.VersionDetails{Version: "2.2.1", Endpoints: []ocpi.Endpoint{
		{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceReceiver, URL: "http://cpo/ocpi/cpo/2.2.1/credentials"},
		{Identifier: ocpi.ModuleCommands, Role: ocpi.InterfaceReceiver, URL: "http://cpo/ocpi/cpo/2.2.1/commands"},
	}}
	remote.answer = cpoCredentials("their-c")

	theirs, err := m.Register(ctx, "http://cpo/ocpi/cpo/versions", "their-token-a")
	require.NoError(t, err)
	assert.Equal(t, "CPO", theirs.PartyID)
	assert.Equal(t, "http://cpo/ocpi/cpo/2.2.1/credentials", remote.postedTo)
	assert.Equal(t, "their-token-a", remote.postAuth)

	issued, err := s.GetToken(ctx, remote.posted.Token)
	require.NoError(t, err)
	assert.True(t, issued.Valid)
	assert.Equal(t, "NL", issued.CountryCode)

	url, token, err := m.Endpoint(ctx, theirs.Key(), ocpi.ModuleCommands, ocpi.InterfaceReceiver)
	require.NoError(t, err)
	assert.Equal(t, "http://cpo/ocpi/cpo/2.2.1/commands", url)
	assert.Equal(t, "their-c", token)
	assert.Equal(t, 1, remote.gets, "version details should be cached after registration")
}

func TestManager_RegisterWithoutMutualVersion(t *testing.T) {
	m, _, remote := newTestManager(t)
	remote.versions = []ocpi.VersionInfo{{Version: "2.1.1", URL: "http://cpo/2.1.1"}}

	_, err := m.Register(context.Background(), "http://cpo/versions", "a")
	assert.ErrorIs(t, err, ocpi.ErrValidation)
}
