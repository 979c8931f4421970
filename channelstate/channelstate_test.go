package channelstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeployLifecycleHappyPath(t *testing.T) {
	m := New("chan-1")
	assert.Equal(t, StateUndeployed, m.State())

	require.NoError(t, m.Transition(StateDeploying))
	require.NoError(t, m.Transition(StateDeployedStopped))
	require.NoError(t, m.Transition(StateDeployedStarted))
	assert.True(t, m.State().IsDeployed())

	require.NoError(t, m.Transition(StateDeployedPaused))
	require.NoError(t, m.Transition(StateDeployedStarted))
	require.NoError(t, m.Transition(StateUndeploying))
	require.NoError(t, m.Transition(StateUndeployed))
	assert.Equal(t, StateUndeployed, m.State())
}

func TestHaltPathFromAnyDeployedSubstate(t *testing.T) {
	for _, start := range []State{StateDeployedStopped, StateDeployedStarted, StateDeployedPaused} {
		m := New("chan-1")
		require.NoError(t, m.Transition(StateDeploying))
		require.NoError(t, m.Transition(start))

		require.NoError(t, m.Transition(StateHalting))
		require.NoError(t, m.Transition(StateUndeployed))
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	m := New("chan-1")
	err := m.Transition(StateDeployedStarted) // UNDEPLOYED -> DEPLOYED_STARTED skips DEPLOYING
	require.Error(t, err)
	assert.Equal(t, StateUndeployed, m.State())
}

func TestDeployFailureReturnsToUndeployed(t *testing.T) {
	m := New("chan-1")
	require.NoError(t, m.Transition(StateDeploying))
	require.NoError(t, m.Transition(StateUndeployed))
}

func TestListenersNotifiedOnTransition(t *testing.T) {
	m := New("chan-1")
	var seen []string
	m.AddListener(func(channelID string, from, to State) {
		seen = append(seen, string(from)+"->"+string(to))
	})

	require.NoError(t, m.Transition(StateDeploying))
	require.NoError(t, m.Transition(StateDeployedStopped))

	require.Equal(t, []string{
		"UNDEPLOYED->DEPLOYING",
		"DEPLOYING->DEPLOYED_STOPPED",
	}, seen)
}

func TestListenerNotInvokedOnFailedTransition(t *testing.T) {
	m := New("chan-1")
	called := false
	m.AddListener(func(_ string, _, _ State) { called = true })

	err := m.Transition(StateHalting)
	require.Error(t, err)
	assert.False(t, called)
}
