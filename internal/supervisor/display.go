package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/acolita/tunnelkeep/internal/credential"
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	hostStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	portStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	regionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	refStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Underline(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// renderBanner formats the node info shown at the start of each attempt.
func renderBanner(cred *credential.Credential, localAddr string, now time.Time) string {
	var b strings.Builder

	region := cred.Region
	if region == "" {
		region = "UNK"
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s:%s\n",
		labelStyle.Render("  -> Node:"),
		hostStyle.Render(cred.Target()),
		portStyle.Render(fmt.Sprintf("%d", cred.Port)),
	)
	fmt.Fprintf(&b, "%s %s (%s auth)\n",
		labelStyle.Render("  -> Info:"),
		regionStyle.Render(region),
		cred.AuthType,
	)
	if cred.SourceRef != "" {
		fmt.Fprintf(&b, "%s %s\n",
			labelStyle.Render("  -> Ref :"),
			refStyle.Render(cred.SourceRef),
		)
	}
	fmt.Fprintf(&b, "%s %s\n",
		labelStyle.Render("  -> SOCKS5:"),
		hostStyle.Render(localAddr),
	)

	if exp := renderExpiry(cred, now); exp != "" {
		b.WriteString(exp)
	}
	b.WriteString("\n")

	return b.String()
}

// renderExpiry formats the expiration tier, if any.
func renderExpiry(cred *credential.Credential, now time.Time) string {
	tier, left := cred.ExpiryStatus(now)
	switch tier {
	case credential.ExpiryExpired:
		return fmt.Sprintf("%s (at %s)\n",
			errStyle.Render("  !! ACCOUNT EXPIRED !!"),
			cred.ExpiresRaw,
		)
	case credential.ExpirySoon:
		hours := int(left.Hours())
		return fmt.Sprintf("%s %s\n",
			warnStyle.Render("  !! EXPIRING SOON (< 24h) !!"),
			fmt.Sprintf("%d hours left (until %s)", hours, cred.ExpiresRaw),
		)
	case credential.ExpiryOK:
		return fmt.Sprintf("  -> Valid until: %s\n", okStyle.Render(cred.ExpiresRaw))
	default:
		return ""
	}
}
