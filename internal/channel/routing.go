package channel

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Route is where a routing group's push notifications go.
type Route struct {
	User   string `toml:"user"`
	Token  string `toml:"token"` // overrides the default app token
	Device string `toml:"device"`
	Sound  string `toml:"sound"`
}

// Routing maps routing groups (push task destinations) to Pushover recipients.
type Routing struct {
	Groups map[string]Route `toml:"groups"`
}

func LoadRouting(path string) (Routing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Routing{}, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRouting(b)
}

func ParseRouting(b []byte) (Routing, error) {
	var r Routing
	if err := toml.Unmarshal(b, &r); err != nil {
		return Routing{}, fmt.Errorf("parse routing: %w", err)
	}
	for name, route := range r.Groups {
		if strings.TrimSpace(route.User) == "" {
			return Routing{}, fmt.Errorf("routing group %q has no user key", name)
		}
	}
	return r, nil
}

func (r Routing) Lookup(group string) (Route, bool) {
	route, ok := r.Groups[strings.TrimSpace(group)]
	return route, ok
}
