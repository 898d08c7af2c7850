// Package realdialog implements the Dialog port with a charmbracelet/huh
// form on the controlling terminal. tunnelkeep owns the TTY, so the form can
// run in place.
package realdialog

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/acolita/tunnelkeep/internal/ports"
)

// Provider implements ports.Dialog.
type Provider struct{}

// New returns a new terminal dialog provider.
func New() *Provider {
	return &Provider{}
}

// PromptPassword asks for a secret with echo disabled.
func (p *Provider) PromptPassword(title string) (string, error) {
	var secret string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Password for %s", title)).
				EchoMode(huh.EchoModePassword).
				Value(&secret),
		),
	)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("password prompt: %w", err)
	}
	return secret, nil
}

var _ ports.Dialog = (*Provider)(nil)
