package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe-together/vibebridge/pkg/api"
	"github.com/vibe-together/vibebridge/pkg/common/types"
)

// fakeProvider counts mutating calls so tests can assert the reuse fast path
// performs none of them.
type fakeProvider struct {
	existing *ServiceStatus
	findErr  error

	createCalls  int
	varCalls     int
	deployCalls  int
	domainCalls  int
	gotVars      map[string]string
	gotImage     string
	statusSeq    []string
	statusIdx    int
	deployErr    error
	statusErr    error
	domainURL    string
}

func (f *fakeProvider) FindService(ctx context.Context, name string) (*ServiceStatus, error) {
	return f.existing, f.findErr
}

func (f *fakeProvider) CreateService(ctx context.Context, name, image string) (string, error) {
	f.createCalls++
	f.gotImage = image
	return "svc-new", nil
}

func (f *fakeProvider) SetVariables(ctx context.Context, serviceID string, vars map[string]string) error {
	f.varCalls++
	f.gotVars = vars
	return nil
}

func (f *fakeProvider) Deploy(ctx context.Context, serviceID string) (string, error) {
	f.deployCalls++
	if f.deployErr != nil {
		return "", f.deployErr
	}
	return "dep-1", nil
}

func (f *fakeProvider) CreateDomain(ctx context.Context, serviceID string) (string, error) {
	f.domainCalls++
	if f.domainURL != "" {
		return f.domainURL, nil
	}
	return "https://example.up.test", nil
}

func (f *fakeProvider) DeploymentStatus(ctx context.Context, deploymentID string) (string, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	if f.statusIdx < len(f.statusSeq) {
		s := f.statusSeq[f.statusIdx]
		f.statusIdx++
		return s, nil
	}
	return types.StatusBuilding, nil
}

func (f *fakeProvider) Logs(ctx context.Context, deploymentID string, limit int) ([]ProviderLog, error) {
	return nil, nil
}

func newTestManager(t *testing.T, p Provider, phases *[]string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Provider:     p,
		PollInterval: time.Millisecond,
		PollBudget:   5,
		OnPhase: func(phase string) {
			if phases != nil {
				*phases = append(*phases, phase)
			}
		},
	})
	require.NoError(t, err)
	return m
}

func TestEnsure_ReusesSuccessfulDeployment(t *testing.T) {
	p := &fakeProvider{existing: &ServiceStatus{
		ServiceID:          "svc-1",
		LatestDeploymentID: "dep-1",
		LatestStatus:       types.StatusSuccess,
		URL:                "https://old.up.test",
	}}
	var phases []string
	m := newTestManager(t, p, &phases)

	info, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.NoError(t, err)

	// Second visit with the same repo and user must not provision anything.
	info2, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.NoError(t, err)

	assert.Equal(t, 0, p.createCalls)
	assert.Equal(t, 0, p.varCalls)
	assert.Equal(t, 0, p.deployCalls)
	assert.Equal(t, 0, p.domainCalls)
	assert.Equal(t, "svc-1", info.ServiceID)
	assert.Equal(t, "https://old.up.test", info.URL)
	assert.Equal(t, info.ServiceID, info2.ServiceID)
	assert.Contains(t, phases, PhaseReusing)
	assert.NotContains(t, phases, PhaseCreating)
}

func TestEnsure_ReuseAttachesMissingDomain(t *testing.T) {
	p := &fakeProvider{
		existing: &ServiceStatus{
			ServiceID:          "svc-1",
			LatestDeploymentID: "dep-1",
			LatestStatus:       types.StatusSuccess,
		},
		domainURL: "https://fresh.up.test",
	}
	m := newTestManager(t, p, nil)

	info, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.domainCalls)
	assert.Equal(t, "https://fresh.up.test", info.URL)
	assert.Equal(t, 0, p.deployCalls)
}

func TestEnsure_CreatesAndDeploysNewService(t *testing.T) {
	p := &fakeProvider{statusSeq: []string{types.StatusBuilding, types.StatusSuccess}}
	var phases []string
	m := newTestManager(t, p, &phases)

	info, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "ghs_secret")
	require.NoError(t, err)

	assert.Equal(t, 1, p.createCalls)
	assert.Equal(t, 1, p.varCalls)
	assert.Equal(t, 1, p.deployCalls)
	assert.Equal(t, DefaultBaseImage, p.gotImage)
	assert.Equal(t, "https://github.com/acme/shop", p.gotVars["REPO_URL"])
	assert.Equal(t, "ghs_secret", p.gotVars["GITHUB_TOKEN"])
	assert.Equal(t, "3000", p.gotVars["PORT"])
	assert.Equal(t, types.StatusSuccess, info.Status)
	assert.NotEmpty(t, info.URL)
	assert.Equal(t, []string{
		PhaseCheckingExisting, PhaseCreating, PhaseConfiguring,
		PhaseDeploying, PhasePollingStatus, PhaseReady,
	}, phases)
}

func TestEnsure_InjectsExtraVariables(t *testing.T) {
	p := &fakeProvider{statusSeq: []string{types.StatusSuccess}}
	m, err := NewManager(ManagerConfig{
		Provider:     p,
		PollInterval: time.Millisecond,
		PollBudget:   5,
		ExtraVariables: map[string]string{
			"SANDBOXD_PUBLIC_KEY": "base64-pem",
		},
	})
	require.NoError(t, err)

	_, err = m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.NoError(t, err)

	// The signing key rides along with the repository variables.
	assert.Equal(t, "base64-pem", p.gotVars["SANDBOXD_PUBLIC_KEY"])
	assert.Equal(t, "https://github.com/acme/shop", p.gotVars["REPO_URL"])
}

func TestEnsure_RedeploysExistingFailedService(t *testing.T) {
	p := &fakeProvider{
		existing:  &ServiceStatus{ServiceID: "svc-1", LatestStatus: types.StatusFailed},
		statusSeq: []string{types.StatusSuccess},
	}
	m := newTestManager(t, p, nil)

	info, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.NoError(t, err)

	// The existing service is reconfigured in place, never duplicated.
	assert.Equal(t, 0, p.createCalls)
	assert.Equal(t, 1, p.varCalls)
	assert.Equal(t, 1, p.deployCalls)
	assert.Equal(t, "svc-1", info.ServiceID)
}

func TestEnsure_TerminalFailureStatus(t *testing.T) {
	p := &fakeProvider{statusSeq: []string{types.StatusBuilding, types.StatusCrashed}}
	var phases []string
	m := newTestManager(t, p, &phases)

	_, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrDeployFailed)
	assert.Contains(t, err.Error(), types.StatusCrashed)
	assert.Equal(t, PhaseFailed, phases[len(phases)-1])
}

func TestEnsure_PollBudgetExhausted(t *testing.T) {
	// The provider never reports a terminal status.
	p := &fakeProvider{}
	m := newTestManager(t, p, nil)

	_, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrDeployFailed)
}

func TestEnsure_ContextCancelStopsPolling(t *testing.T) {
	p := &fakeProvider{}
	m, err := NewManager(ManagerConfig{
		Provider:     p,
		PollInterval: 10 * time.Millisecond,
		PollBudget:   1000,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = m.Ensure(ctx, "https://github.com/acme/shop", "user-1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsure_ProviderErrorIsNotRetried(t *testing.T) {
	p := &fakeProvider{deployErr: errors.New("quota exceeded")}
	m := newTestManager(t, p, nil)

	_, err := m.Ensure(context.Background(), "https://github.com/acme/shop", "user-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, 1, p.deployCalls)
}
