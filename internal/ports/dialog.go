package ports

// Dialog abstracts interactive terminal prompts so the supervisor can be
// tested without a TTY.
type Dialog interface {
	// PromptPassword asks the user for a secret value with echo disabled.
	// The title describes what the secret unlocks (e.g. "root@1.2.3.4").
	PromptPassword(title string) (string, error)
}
