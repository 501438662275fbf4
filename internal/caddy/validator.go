package caddy

import (
	"fmt"
	"net"
	"strings"
)

// Validate performs the structural checks Caddy would otherwise reject at load time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Apps.HTTP != nil {
		listeners := make(map[string]string)
		for name, srv := range cfg.Apps.HTTP.Servers {
			if err := validateServer(name, srv); err != nil {
				return err
			}
			for _, addr := range srv.Listen {
				if other, ok := listeners[addr]; ok {
					return fmt.Errorf("listen address %s used by servers %s and %s", addr, other, name)
				}
				listeners[addr] = name
			}
		}
	}
	if cfg.Apps.TLS != nil && cfg.Apps.TLS.Certificates != nil {
		for _, f := range cfg.Apps.TLS.Certificates.LoadFiles {
			if f.Certificate == "" || f.Key == "" {
				return fmt.Errorf("certificate entry %v is missing a certificate or key path", f.Tags)
			}
		}
	}
	return nil
}

func validateServer(name string, srv *Server) error {
	if srv == nil {
		return fmt.Errorf("server %s is nil", name)
	}
	if len(srv.Listen) == 0 {
		return fmt.Errorf("server %s has no listen addresses", name)
	}
	for _, addr := range srv.Listen {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("server %s: invalid listen address %q: %w", name, addr, err)
		}
	}

	seen := make(map[string]bool)
	for i, route := range srv.Routes {
		if route == nil || len(route.Handle) == 0 {
			return fmt.Errorf("server %s: route %d has no handlers", name, i)
		}
		for _, m := range route.Match {
			// Path-scoped routes legitimately share a host with the host route.
			if len(m.Path) > 0 {
				continue
			}
			for _, h := range m.Host {
				h = strings.ToLower(h)
				if seen[h] {
					return fmt.Errorf("server %s: duplicate host %s", name, h)
				}
				seen[h] = true
			}
		}
		if err := validateHandlers(name, route.Handle); err != nil {
			return err
		}
	}
	return nil
}

func validateHandlers(server string, handlers []Handler) error {
	for _, h := range handlers {
		switch h.Name() {
		case "":
			return fmt.Errorf("server %s: handler without a module name", server)
		case "reverse_proxy":
			ups, ok := h["upstreams"].([]map[string]interface{})
			if !ok || len(ups) == 0 {
				return fmt.Errorf("server %s: reverse_proxy without upstreams", server)
			}
			for _, u := range ups {
				dial, _ := u["dial"].(string)
				if _, _, err := net.SplitHostPort(dial); err != nil {
					return fmt.Errorf("server %s: invalid upstream %q", server, dial)
				}
			}
		case "subroute":
			routes, _ := h["routes"].([]*Route)
			for i, r := range routes {
				if r == nil || len(r.Handle) == 0 {
					return fmt.Errorf("server %s: subroute %d has no handlers", server, i)
				}
				if err := validateHandlers(server, r.Handle); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
