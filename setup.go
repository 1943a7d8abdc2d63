package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"oidcbff/server"
)

// prompter asks questions on out and reads line answers from in.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) line() (string, error) {
	s, err := p.in.ReadString('\n')
	return strings.TrimSpace(s), err
}

// text returns the answer or def when the answer is blank.
func (p *prompter) text(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, _ := p.line()
	if answer == "" {
		return strings.TrimSpace(def)
	}
	return answer
}

// required repeats the question until a non-blank answer arrives or input ends.
func (p *prompter) required(label string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", label)
		answer, err := p.line()
		if answer != "" || err != nil {
			return answer
		}
		fmt.Fprintln(p.out, "A value is required.")
	}
}

func (p *prompter) confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		answer, err := p.line()
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// runSetup builds a configuration for a Keycloak realm interactively, writes
// it to path and loads it back so the result has passed validation.
func runSetup(p *prompter, path string, logger *slog.Logger) (server.Config, error) {
	fmt.Fprintf(p.out, "Creating %s for a Keycloak realm. Press Enter to accept defaults.\n", path)

	cfg := server.DefaultConfig()
	cfg.Server.DevMode = p.confirm("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.ListenAddr = p.text("Listen address", cfg.Server.ListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(p.text("Public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := strings.TrimSuffix(p.required("Public domain (e.g. app.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.ListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	base := strings.TrimSuffix(p.required("Keycloak base URL (e.g. https://sso.example.com)"), "/")
	realm := p.text("Realm", "master")
	cfg.Provider.Issuer = base + "/realms/" + realm
	cfg.Provider.ClientID = p.required("Client ID")
	cfg.Provider.ClientSecret = p.text("Client secret (empty for public clients)", "")
	cfg.Provider.Audience = p.text("Access token audience (empty to skip the check)", cfg.Provider.ClientID)
	cfg.Provider.Scopes = splitList(p.text("Scopes", "openid,profile,email"), []string{"openid"})

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path, "redirect_uri", cfg.RedirectURL())
	return server.LoadConfig(path)
}

// splitList parses a comma separated answer, falling back when nothing remains.
func splitList(input string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
