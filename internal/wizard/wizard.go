// Package wizard provides an interactive first-run setup for whispd:
// generating a host key directory and a starter configuration file.
// Kept deliberately small; this is tooling around the core, not part of
// the wire protocol.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/whisphq/whisp/internal/config"
	"github.com/whisphq/whisp/internal/hostkey"
)

// Result contains the wizard's output paths.
type Result struct {
	HostKeyDir string
	ConfigPath string
}

// Wizard runs the interactive setup dialog.
type Wizard struct{}

// New creates a setup wizard.
func New() *Wizard {
	return &Wizard{}
}

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("63")).
	Padding(0, 1)

// Run walks the operator through host key placement, an apps directory,
// and one example registry entry, then writes both to disk. hostKeyDir
// and appsDir pre-fill the corresponding prompts when non-empty.
func (w *Wizard) Run(hostKeyDir, appsDir string) (*Result, error) {
	fmt.Println(bannerStyle.Render("whispd setup"))
	fmt.Println("This generates a host key and a starter config.yaml.")
	fmt.Println()

	if hostKeyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		hostKeyDir = filepath.Join(home, ".whisp-whispd")
	}
	configPath := "./config.yaml"
	var examplePattern, exampleCommand string
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Host key directory").
				Description("Where whispd stores its Ed25519 host key").
				Value(&hostKeyDir),
			huh.NewInput().
				Title("Apps directory").
				Description("Scanned for executables at startup; leave blank to skip").
				Value(&appsDir),
			huh.NewInput().
				Title("Config file path").
				Value(&configPath),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Example app pattern").
				Description(`A registry pattern, e.g. "default" or "chat-{room}"`).
				Value(&examplePattern),
			huh.NewInput().
				Title("Example app command").
				Description("Executable path the pattern resolves to").
				Value(&exampleCommand),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write these files now?").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("run form: %w", err)
	}
	if !confirmed {
		return nil, fmt.Errorf("setup cancelled")
	}

	result, pub, err := writeFiles(hostKeyDir, appsDir, configPath, examplePattern, exampleCommand)
	if err != nil {
		return nil, err
	}

	fmt.Printf("\nHost key fingerprint: %x\n", pub[:8])
	return result, nil
}

// writeFiles generates the host key and writes the starter config file,
// separated from Run so the file-producing half is testable without
// driving the interactive form.
func writeFiles(hostKeyDir, appsDir, configPath, examplePattern, exampleCommand string) (*Result, []byte, error) {
	store, err := hostkey.Load(hostKeyDir, "whispd")
	if err != nil {
		return nil, nil, fmt.Errorf("generate host key: %w", err)
	}
	pub := store.PublicKey()

	cfg := config.Default()
	cfg.Server.HostKeyDir = hostKeyDir
	cfg.Apps.Dir = appsDir
	if examplePattern != "" && exampleCommand != "" {
		cfg.Apps.Entries = append(cfg.Apps.Entries, config.AppEntry{
			Pattern: examplePattern,
			Command: exampleCommand,
		})
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write config %s: %w", configPath, err)
	}

	return &Result{HostKeyDir: hostKeyDir, ConfigPath: configPath}, pub[:], nil
}
