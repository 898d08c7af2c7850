// Package fakedialog provides a scripted Dialog implementation for testing.
package fakedialog

import (
	"fmt"
	"sync"

	"github.com/acolita/tunnelkeep/internal/ports"
)

// Dialog is a fake dialog that returns canned answers.
type Dialog struct {
	mu sync.Mutex

	// Password is returned by PromptPassword when Err is nil.
	Password string
	// Err, when set, is returned by every prompt.
	Err error

	// Titles records the titles passed to PromptPassword, in order.
	Titles []string
}

// New returns a fake dialog answering every password prompt with password.
func New(password string) *Dialog {
	return &Dialog{Password: password}
}

// PromptPassword returns the canned password.
func (d *Dialog) PromptPassword(title string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Titles = append(d.Titles, title)
	if d.Err != nil {
		return "", fmt.Errorf("fake dialog: %w", d.Err)
	}
	return d.Password, nil
}

// Calls returns how many times a prompt was shown.
func (d *Dialog) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Titles)
}

var _ ports.Dialog = (*Dialog)(nil)
