package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
	"github.com/harun/realty/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAgent struct {
	mock.Mock
	name string
}

func (m *mockAgent) Name() string { return m.name }

func (m *mockAgent) Run(ctx context.Context, prompt string, history agent.History) (agent.Result, error) {
	args := m.Called(ctx, prompt, history)
	return args.Get(0).(agent.Result), args.Error(1)
}

type stubHistory struct{ key string }

func (h stubHistory) Key() string { return h.key }

func (h stubHistory) Messages(ctx context.Context) ([]session.Message, error) { return nil, nil }

func (h stubHistory) AppendTurn(ctx context.Context, user, assistant session.Message) error {
	return nil
}

func TestNewRejectsNilAgent(t *testing.T) {
	_, err := New(map[classifier.Category]agent.Agent{classifier.Email: nil})
	assert.Error(t, err)
}

func TestDispatchSelectsBoundAgent(t *testing.T) {
	email := &mockAgent{name: "Email Agent"}
	location := &mockAgent{name: "Location Agent"}
	history := stubHistory{key: "u1"}

	email.On("Run", mock.Anything, "email me", history).
		Return(agent.Result{Output: "drafted"}, nil).Once()

	d, err := New(map[classifier.Category]agent.Agent{
		classifier.Email:    email,
		classifier.Location: location,
	})
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), classifier.Email, "email me", history)
	require.NoError(t, err)
	assert.Equal(t, "drafted", result.Output)
	assert.Equal(t, "Email Agent", result.Agent)

	email.AssertExpectations(t)
	location.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchPropagatesErrorVerbatim(t *testing.T) {
	general := &mockAgent{name: "Realestate Agent"}
	cause := errors.New("upstream timed out")
	general.On("Run", mock.Anything, mock.Anything, mock.Anything).Return(agent.Result{}, cause)

	d, err := New(map[classifier.Category]agent.Agent{classifier.General: general})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), classifier.General, "hello", stubHistory{key: "u1"})
	require.Error(t, err)
	assert.Equal(t, "upstream timed out", err.Error())
	assert.ErrorIs(t, err, cause)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, classifier.General, dispatchErr.Category)
	assert.Equal(t, "Realestate Agent", dispatchErr.Agent)
}

func TestDispatchUnboundCategory(t *testing.T) {
	d, err := New(map[classifier.Category]agent.Agent{})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), classifier.Location, "near", stubHistory{key: "u1"})
	assert.ErrorIs(t, err, ErrNoAgent)
	assert.Contains(t, err.Error(), "location")
}

func TestCategories(t *testing.T) {
	d, err := New(map[classifier.Category]agent.Agent{
		classifier.Location: &mockAgent{name: "Location Agent"},
		classifier.Email:    &mockAgent{name: "Email Agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, []classifier.Category{classifier.Email, classifier.Location}, d.Categories())

	a, ok := d.AgentFor(classifier.Email)
	require.True(t, ok)
	assert.Equal(t, "Email Agent", a.Name())
}
