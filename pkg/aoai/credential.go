package aoai

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// CognitiveServicesScope is the Entra token scope for Azure OpenAI.
const CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

// TokenProvider supplies bearer tokens for keyless authentication.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// EntraTokenProvider adapts an [azcore.TokenCredential] to [TokenProvider].
// The azidentity credential chain caches and refreshes tokens internally, so
// Token can be called on every dial.
type EntraTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

var _ TokenProvider = (*EntraTokenProvider)(nil)

// NewEntraTokenProvider builds a provider backed by
// [azidentity.DefaultAzureCredential] with the Cognitive Services scope.
func NewEntraTokenProvider() (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("aoai: default azure credential: %w", err)
	}
	return &EntraTokenProvider{cred: cred, scope: CognitiveServicesScope}, nil
}

// NewEntraTokenProviderFor wraps an existing credential with a custom scope.
func NewEntraTokenProviderFor(cred azcore.TokenCredential, scope string) *EntraTokenProvider {
	if scope == "" {
		scope = CognitiveServicesScope
	}
	return &EntraTokenProvider{cred: cred, scope: scope}
}

// Token returns a bearer token for the configured scope.
func (p *EntraTokenProvider) Token(ctx context.Context) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		return "", fmt.Errorf("aoai: get token: %w", err)
	}
	return tk.Token, nil
}
