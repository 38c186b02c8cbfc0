package authbroker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/authbroker"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity/identityfake"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

var testAccount = &identity.Account{
	HomeAccountID:  "home-1",
	LocalAccountID: "oid-1",
	Username:       "john.doe@example.com",
	Name:           "John Doe",
}

func TestBroker_GetToken_CacheHit(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	broker := authbroker.New(client)

	first, err := broker.GetToken(context.Background())
	require.NoError(t, err)

	second, err := broker.GetToken(context.Background())
	require.NoError(t, err)

	require.Equal(t, first.Value, second.Value)
	require.Equal(t, 1, client.SilentCalls, "second call must be served from cache without a provider round trip")
}

func TestBroker_GetToken_NoActiveAccount(t *testing.T) {
	client := identityfake.NewFakeClient(nil)
	broker := authbroker.New(client)

	_, err := broker.GetToken(context.Background())
	require.ErrorIs(t, err, errs.ErrNoActiveAccount)
	require.Zero(t, client.SilentCalls)
}

func TestBroker_GetToken_InteractiveFallback(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.SilentErr = identity.ErrInteractionRequired
	broker := authbroker.New(client,
		authbroker.WithScopes("User.Read"),
		authbroker.WithConsentScopes("Calendars.ReadWrite", "People.Read"),
	)

	tok, err := broker.GetToken(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tok.Value)
	require.Equal(t, 1, client.InteractiveCalls)
	require.ElementsMatch(t, []string{"Calendars.ReadWrite", "People.Read", "User.Read"}, client.LastScopes,
		"interactive fallback must carry the expanded consent scope set")

	// The consent-scoped grant covers the default scopes, so the next call
	// must not prompt again.
	_, err = broker.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, client.InteractiveCalls)
}

func TestBroker_GetToken_InteractiveFailure(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.SilentErr = identity.ErrInteractionRequired
	client.InteractiveErr = errors.New("user closed the prompt")
	broker := authbroker.New(client)

	_, err := broker.GetToken(context.Background())
	require.ErrorIs(t, err, errs.ErrAuthRequired)
	require.Equal(t, authbroker.InteractionIdle, broker.Status(), "failed interaction must release the guard")
}

func TestBroker_GetToken_ProviderError(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.SilentErr = errors.New("AADSTS90033: transient service error")
	broker := authbroker.New(client)

	_, err := broker.GetToken(context.Background())
	require.ErrorIs(t, err, errs.ErrProvider)
	require.Zero(t, client.InteractiveCalls, "non-interaction errors must not escalate to a prompt")
}

func TestBroker_GetToken_SingleFlight(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.SilentGate = make(chan struct{})
	broker := authbroker.New(client)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = broker.GetToken(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(client.SilentGate)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, 1, client.SilentCalls, "concurrent requests for one scope set must share a single acquisition")
}

func TestBroker_GetToken_ExpiredCacheReacquires(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.TokenLifetime = time.Minute

	now := time.Now()
	current := now
	broker := authbroker.New(client, authbroker.WithNowFunc(func() time.Time { return current }))

	_, err := broker.GetToken(context.Background())
	require.NoError(t, err)

	// Within the expiry skew of the one-minute lifetime.
	current = now.Add(45 * time.Second)
	_, err = broker.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, client.SilentCalls)
}

func TestBroker_Consent(t *testing.T) {
	t.Run("acquires with expanded scopes", func(t *testing.T) {
		client := identityfake.NewFakeClient(testAccount)
		broker := authbroker.New(client,
			authbroker.WithScopes("User.Read"),
			authbroker.WithConsentScopes("Calendars.ReadWrite"),
		)

		tok, err := broker.Consent(context.Background())
		require.NoError(t, err)
		require.NotEmpty(t, tok.Value)
		require.ElementsMatch(t, []string{"Calendars.ReadWrite", "User.Read"}, client.LastScopes)
	})

	t.Run("rejected while another interaction runs", func(t *testing.T) {
		client := identityfake.NewFakeClient(testAccount)
		client.InteractiveGate = make(chan struct{})
		broker := authbroker.New(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = broker.Login(context.Background())
		}()

		require.Eventually(t, func() bool {
			return broker.Status() == authbroker.InteractionInProgress
		}, time.Second, time.Millisecond)

		_, err := broker.Consent(context.Background())
		require.ErrorIs(t, err, errs.ErrInteractionBusy)

		close(client.InteractiveGate)
		<-done
		require.Equal(t, authbroker.InteractionIdle, broker.Status())
	})

	t.Run("requires an account", func(t *testing.T) {
		broker := authbroker.New(identityfake.NewFakeClient(nil))
		_, err := broker.Consent(context.Background())
		require.ErrorIs(t, err, errs.ErrNoActiveAccount)
	})
}

func TestBroker_LoginLogout_NoOpWhileBusy(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	client.InteractiveGate = make(chan struct{})
	broker := authbroker.New(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = broker.Login(context.Background())
	}()

	require.Eventually(t, func() bool {
		return broker.Status() == authbroker.InteractionInProgress
	}, time.Second, time.Millisecond)

	require.NoError(t, broker.Login(context.Background()), "concurrent login is a silent no-op")
	require.NoError(t, broker.Logout(context.Background()), "concurrent logout is a silent no-op")
	require.Zero(t, client.SignOutCalls)

	close(client.InteractiveGate)
	<-done
	require.Equal(t, 1, client.InteractiveCalls)
}

func TestBroker_StatusSubscription(t *testing.T) {
	client := identityfake.NewFakeClient(testAccount)
	broker := authbroker.New(client)

	var lock sync.Mutex
	var seen []authbroker.InteractionStatus
	unsubscribe := broker.SubscribeStatus(func(s authbroker.InteractionStatus) {
		lock.Lock()
		defer lock.Unlock()
		seen = append(seen, s)
	})
	defer unsubscribe()

	require.NoError(t, broker.Login(context.Background()))

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(seen) >= 3
	}, time.Second, time.Millisecond)

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []authbroker.InteractionStatus{
		authbroker.InteractionStarting,
		authbroker.InteractionInProgress,
		authbroker.InteractionIdle,
	}, seen[:3])
}
