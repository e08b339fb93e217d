package secrets

import (
	"context"
	"os"

	"github.com/agentoshq/agentos/pkg/kernelerr"
)

// EnvResolver resolves a Decl's BindingID against a process environment
// variable: no vault/KMS round trip, just os.Getenv under a
// fixed prefix so a secret's binding id can't collide with an unrelated
// variable.
type EnvResolver struct {
	// Prefix is prepended to BindingID to form the environment variable
	// name. Defaults to "AGENTOS_SECRET_" when empty.
	Prefix string
}

const defaultEnvSecretPrefix = "AGENTOS_SECRET_"

// Resolve looks up decl.BindingID as an environment variable name.
func (r EnvResolver) Resolve(ctx context.Context, decl Decl) (Value, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = defaultEnvSecretPrefix
	}
	v, ok := os.LookupEnv(prefix + decl.BindingID)
	if !ok {
		return Value{}, kernelerr.New(kernelerr.CodeSecretResolveError, "env secret %q not set", prefix+decl.BindingID)
	}
	return Value{Text: v, IsText: true}, nil
}
