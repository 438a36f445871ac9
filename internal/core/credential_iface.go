package core

import (
	"context"

	"github.com/dkeye/voicecall/internal/domain"
)

//go:generate mockgen -source=credential_iface.go -destination=mocks/mock_credential.go -package=mocks

// CredentialIssuer mints the access credential for one connection attempt.
// Implementations make a single request and never retry.
type CredentialIssuer interface {
	Issue(ctx context.Context, params domain.SessionParameters, id domain.SessionIdentity) (domain.Credential, error)
}
