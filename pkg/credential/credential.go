// Package credential supplies the password used to elevate the sampling
// utility with sudo. Passwords never come from source or config literals.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// ErrNoCredential is returned when a provider has nothing to offer.
var ErrNoCredential = errors.New("no credential available")

// Provider returns the password for privilege elevation.
type Provider interface {
	Password(ctx context.Context) (string, error)
}

// envProvider reads the password from an environment variable, typically
// populated by a secrets manager.
type envProvider struct {
	name string
}

var _ Provider = (*envProvider)(nil)

// NewEnv creates a provider that reads the named environment variable.
func NewEnv(name string) Provider {
	return &envProvider{name: name}
}

func (p *envProvider) Password(_ context.Context) (string, error) {
	if p.name == "" {
		return "", ErrNoCredential
	}

	v, ok := os.LookupEnv(p.name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNoCredential, p.name)
	}

	return v, nil
}

// promptProvider asks for the password on the controlling terminal once
// and caches it for the lifetime of the provider.
type promptProvider struct {
	in     *os.File
	out    io.Writer
	cached string
}

var _ Provider = (*promptProvider)(nil)

// NewPrompt creates a provider reading from the terminal attached to in.
func NewPrompt(in *os.File, out io.Writer) Provider {
	return &promptProvider{in: in, out: out}
}

func (p *promptProvider) Password(ctx context.Context) (string, error) {
	if p.cached != "" {
		return p.cached, nil
	}

	fd := int(p.in.Fd()) //nolint:gosec // fd fits in int

	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: stdin is not a terminal", ErrNoCredential)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	_, _ = fmt.Fprint(p.out, "sudo password for sampling utility: ")

	raw, err := term.ReadPassword(fd)

	_, _ = fmt.Fprintln(p.out)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	pw := strings.TrimRight(string(raw), "\r\n")
	if pw == "" {
		return "", ErrNoCredential
	}

	p.cached = pw

	return pw, nil
}

// chain tries each provider in order and returns the first password.
type chain struct {
	log       logrus.FieldLogger
	providers []Provider
}

var _ Provider = (*chain)(nil)

// NewChain creates a provider that falls through the given providers.
func NewChain(log logrus.FieldLogger, providers ...Provider) Provider {
	return &chain{
		log:       log.WithField("component", "credential"),
		providers: providers,
	}
}

func (c *chain) Password(ctx context.Context) (string, error) {
	for _, p := range c.providers {
		pw, err := p.Password(ctx)
		if err == nil {
			return pw, nil
		}

		if !errors.Is(err, ErrNoCredential) {
			return "", err
		}

		// Never log the value, only that a source was skipped.
		c.log.WithError(err).Debug("Credential source unavailable")
	}

	return "", ErrNoCredential
}

// Static wraps an already resolved password. Intended for tests.
type Static string

var _ Provider = Static("")

// Password returns the wrapped value.
func (s Static) Password(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}

	return string(s), nil
}
