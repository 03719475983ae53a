package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for common mistakes. It never fails;
// every problem found is returned as a warning for the operator.
func (c *Config) Validate(servers *Servers, registered []string) []string {
	var warnings []string
	warn := func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	known := false
	for _, name := range registered {
		if name == c.PowerController {
			known = true
			break
		}
	}
	switch {
	case c.PowerController == "":
		warn("The power controller type is not set")
	case !known:
		warn("The power controller type '%s' is not registered (available: %s)", c.PowerController, strings.Join(registered, ", "))
	}

	switch c.PowerController {
	case "pterodactyl":
		warnings = append(warnings, checkPanel("Pterodactyl", c.PterodactylURL)...)
		switch {
		case c.PterodactylAPIKey == "":
			warn("The Pterodactyl API key is not set")
		case strings.HasPrefix(c.PterodactylAPIKey, "ptlc_0000"):
			warn("The Pterodactyl API key is the default key, please set the correct key")
		case !strings.HasPrefix(c.PterodactylAPIKey, "ptlc_"):
			warn("The Pterodactyl API key should start with 'ptlc_'")
		}
	case "crafty":
		warnings = append(warnings, checkPanel("Crafty", c.CraftyURL)...)
		if c.CraftyAPIKey == "" {
			warn("The Crafty API key is not set")
		}
	}

	if c.StatusCheckMethod != "proxy" && c.StatusCheckMethod != "panel" {
		warn("Unknown status check method '%s', expected 'proxy' or 'panel'", c.StatusCheckMethod)
	}

	if servers == nil || len(servers.Entries) == 0 {
		warn("No servers are configured")
		return warnings
	}

	needAddress := c.StartupReadyTimeout > 0 || c.StatusCheckMethod == "proxy"
	for _, name := range servers.Names() {
		cfg := servers.Entries[name]
		if cfg.PanelServerID == "" {
			warn("Server '%s' has no panel server id", name)
		}
		if needAddress && cfg.Address == "" && !cfg.HasRCON() {
			warn("Server '%s' has no address, readiness and online checks cannot reach it", name)
		}
	}
	return warnings
}

func checkPanel(panel, raw string) []string {
	if raw == "" {
		return []string{fmt.Sprintf("The %s URL is not set", panel)}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return []string{fmt.Sprintf("The %s URL '%s' is not a valid URL", panel, raw)}
	}
	host := u.Hostname()
	if host == "example.com" || strings.HasSuffix(host, ".example.com") {
		return []string{fmt.Sprintf("The %s URL is example.com, please set the correct URL", panel)}
	}
	return nil
}
