/*
Copyright The VibeBridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vibe-together/vibebridge/pkg/api"
)

// DefaultGraphQLEndpoint is Railway's public API endpoint.
const DefaultGraphQLEndpoint = "https://backboard.railway.app/graphql/v2"

// RailwayConfig configures the GraphQL provider client.
type RailwayConfig struct {
	// Endpoint overrides the GraphQL endpoint, mainly for tests.
	Endpoint string

	// Token is the provider API token, sent as a bearer credential.
	Token string

	// ProjectID and EnvironmentID scope every mutation.
	ProjectID     string
	EnvironmentID string

	// Client overrides the HTTP client. A 30s-timeout default applies.
	Client *http.Client
}

// RailwayProvider implements Provider over the provider's GraphQL API: a
// single POST endpoint taking {query, variables} and returning {data,
// errors}. GraphQL errors are surfaced with the provider's message verbatim.
type RailwayProvider struct {
	endpoint      string
	token         string
	projectID     string
	environmentID string
	client        *http.Client
}

// NewRailwayProvider creates a provider client.
func NewRailwayProvider(cfg RailwayConfig) (*RailwayProvider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("railway: API token is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("railway: project ID is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultGraphQLEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RailwayProvider{
		endpoint:      endpoint,
		token:         cfg.Token,
		projectID:     cfg.ProjectID,
		environmentID: cfg.EnvironmentID,
		client:        client,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// query runs one GraphQL operation and decodes data into out.
func (p *RailwayProvider) query(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("railway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("railway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("railway: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return api.NewUpstreamStatusError(resp.StatusCode, respBody)
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("railway: unmarshal response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("railway: %s", strings.Join(msgs, "; "))
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("railway: unmarshal data: %w", err)
		}
	}
	return nil
}

func (p *RailwayProvider) FindService(ctx context.Context, name string) (*ServiceStatus, error) {
	const q = `query project($id: String!) {
		project(id: $id) {
			services {
				edges { node {
					id
					name
					deployments(first: 1) {
						edges { node { id status staticUrl } }
					}
				} }
			}
		}
	}`

	var data struct {
		Project struct {
			Services struct {
				Edges []struct {
					Node struct {
						ID          string `json:"id"`
						Name        string `json:"name"`
						Deployments struct {
							Edges []struct {
								Node struct {
									ID        string `json:"id"`
									Status    string `json:"status"`
									StaticURL string `json:"staticUrl"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"deployments"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"services"`
		} `json:"project"`
	}

	if err := p.query(ctx, q, map[string]any{"id": p.projectID}, &data); err != nil {
		return nil, err
	}

	for _, edge := range data.Project.Services.Edges {
		if edge.Node.Name != name {
			continue
		}
		status := &ServiceStatus{ServiceID: edge.Node.ID}
		if deps := edge.Node.Deployments.Edges; len(deps) > 0 {
			status.LatestDeploymentID = deps[0].Node.ID
			status.LatestStatus = deps[0].Node.Status
			if deps[0].Node.StaticURL != "" {
				status.URL = "https://" + deps[0].Node.StaticURL
			}
		}
		return status, nil
	}
	return nil, nil
}

func (p *RailwayProvider) CreateService(ctx context.Context, name, image string) (string, error) {
	const q = `mutation serviceCreate($input: ServiceCreateInput!) {
		serviceCreate(input: $input) { id }
	}`

	var data struct {
		ServiceCreate struct {
			ID string `json:"id"`
		} `json:"serviceCreate"`
	}

	input := map[string]any{
		"projectId": p.projectID,
		"name":      name,
		"source":    map[string]any{"image": image},
	}
	if err := p.query(ctx, q, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	if data.ServiceCreate.ID == "" {
		return "", fmt.Errorf("railway: serviceCreate returned no id")
	}
	return data.ServiceCreate.ID, nil
}

func (p *RailwayProvider) SetVariables(ctx context.Context, serviceID string, vars map[string]string) error {
	const q = `mutation variableCollectionUpsert($input: VariableCollectionUpsertInput!) {
		variableCollectionUpsert(input: $input)
	}`

	input := map[string]any{
		"projectId":     p.projectID,
		"environmentId": p.environmentID,
		"serviceId":     serviceID,
		"variables":     vars,
	}
	return p.query(ctx, q, map[string]any{"input": input}, nil)
}

func (p *RailwayProvider) Deploy(ctx context.Context, serviceID string) (string, error) {
	const q = `mutation serviceInstanceDeploy($serviceId: String!, $environmentId: String!) {
		serviceInstanceDeploy(serviceId: $serviceId, environmentId: $environmentId)
	}`

	var data struct {
		DeploymentID string `json:"serviceInstanceDeploy"`
	}
	vars := map[string]any{"serviceId": serviceID, "environmentId": p.environmentID}
	if err := p.query(ctx, q, vars, &data); err != nil {
		return "", err
	}
	return data.DeploymentID, nil
}

func (p *RailwayProvider) CreateDomain(ctx context.Context, serviceID string) (string, error) {
	const q = `mutation serviceDomainCreate($input: ServiceDomainCreateInput!) {
		serviceDomainCreate(input: $input) { domain }
	}`

	var data struct {
		ServiceDomainCreate struct {
			Domain string `json:"domain"`
		} `json:"serviceDomainCreate"`
	}
	input := map[string]any{"serviceId": serviceID, "environmentId": p.environmentID}
	if err := p.query(ctx, q, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	if data.ServiceDomainCreate.Domain == "" {
		return "", fmt.Errorf("railway: serviceDomainCreate returned no domain")
	}
	return "https://" + data.ServiceDomainCreate.Domain, nil
}

func (p *RailwayProvider) DeploymentStatus(ctx context.Context, deploymentID string) (string, error) {
	const q = `query deployment($id: String!) {
		deployment(id: $id) { status }
	}`

	var data struct {
		Deployment struct {
			Status string `json:"status"`
		} `json:"deployment"`
	}
	if err := p.query(ctx, q, map[string]any{"id": deploymentID}, &data); err != nil {
		return "", err
	}
	return data.Deployment.Status, nil
}

func (p *RailwayProvider) Logs(ctx context.Context, deploymentID string, limit int) ([]ProviderLog, error) {
	const q = `query deploymentLogs($deploymentId: String!, $limit: Int!) {
		deploymentLogs(deploymentId: $deploymentId, limit: $limit) { timestamp message }
	}`

	var data struct {
		DeploymentLogs []ProviderLog `json:"deploymentLogs"`
	}
	vars := map[string]any{"deploymentId": deploymentID, "limit": limit}
	if err := p.query(ctx, q, vars, &data); err != nil {
		return nil, err
	}
	return data.DeploymentLogs, nil
}
