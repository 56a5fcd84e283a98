package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Define styles using lipgloss
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

var titleCase = cases.Title(language.English)

// loadConfig reads the file named by the global --config flag.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newAPIClient talks to the server behind the configured realtime URL,
// authenticated as the configured actor.
func newAPIClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(cfg.Realtime.URL, cfg.ActorID)
}

// parseLines turns "product:quantity" pairs into order lines.
func parseLines(raw []string) ([]model.OrderLine, error) {
	lines := make([]model.OrderLine, 0, len(raw))
	for _, pair := range raw {
		product, qty, ok := strings.Cut(pair, ":")
		if !ok || product == "" {
			return nil, fmt.Errorf("invalid line %q, expected product:quantity", pair)
		}
		n, err := strconv.ParseInt(qty, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid quantity in line %q", pair)
		}
		lines = append(lines, model.OrderLine{ProductID: product, Quantity: n})
	}
	return lines, nil
}

func signed(n int64) string {
	if n > 0 {
		return "+" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
