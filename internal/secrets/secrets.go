// Package secrets resolves credential references and masks resolved values
// in captured output.
package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/cronforge/internal/task"
)

// Lookup reads a named value from a secret store. os.LookupEnv satisfies it.
type Lookup func(name string) (string, bool)

// Resolver turns config references into secret values.
type Resolver struct {
	lookup   Lookup
	readFile func(string) ([]byte, error)
}

// NewResolver returns a resolver backed by lookup for "env:" references.
// A nil lookup resolves every env reference as unset.
func NewResolver(lookup Lookup) *Resolver {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Resolver{lookup: lookup, readFile: os.ReadFile}
}

// EnvResolver resolves against the process environment.
func EnvResolver() *Resolver {
	return NewResolver(os.LookupEnv)
}

// Resolve returns the value a reference points at:
//
//	env:NAME   value of NAME in the lookup, "" when unset
//	file:PATH  file content with surrounding whitespace trimmed
//	anything   the literal itself
//
// Unset values are not an error; whoever consumes the secret validates it.
func (r *Resolver) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		v, _ := r.lookup(strings.TrimPrefix(ref, "env:"))
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := r.readFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return ref, nil
	}
}

// Credentials resolves the username and password references.
func (r *Resolver) Credentials(usernameRef, passwordRef string) (task.Credentials, error) {
	user, err := r.Resolve(usernameRef)
	if err != nil {
		return task.Credentials{}, fmt.Errorf("username: %w", err)
	}
	pass, err := r.Resolve(passwordRef)
	if err != nil {
		return task.Credentials{}, fmt.Errorf("password: %w", err)
	}
	return task.Credentials{Username: user, Password: pass}, nil
}
