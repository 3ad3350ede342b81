// Package workdirconfig parses and merges the per-workdir YAML
// configuration files described in spec.md §6. It has no knowledge of the
// filesystem watch mechanism (see internal/admin) or of the link table;
// it only turns bytes into a validated, merged Config.
package workdirconfig

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// LinkEntry is one entry of the `links:` list in the YAML schema.
type LinkEntry struct {
	Alias      string `json:"alias"`
	RPC        string `json:"rpc"`
	WS         string `json:"ws,omitempty"`
	Selectable *bool  `json:"selectable,omitempty"`
	Monitored  *bool  `json:"monitored,omitempty"`
	Priority   *uint8 `json:"priority,omitempty"`
	MaxPerSecs *int   `json:"max_per_secs,omitempty"`
	MaxPerMin  *int   `json:"max_per_min,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func priorityOr(p *uint8, def uint8) uint8 {
	if p == nil {
		return def
	}
	return *p
}

// defaultPriority matches the schema default documented in spec.md §6.
const defaultPriority uint8 = 255

// Config is one workdir's fully parsed configuration file.
type Config struct {
	ProxyEnabled     *bool       `json:"proxy_enabled,omitempty"`
	ProxyHostIP      string      `json:"proxy_host_ip,omitempty"`
	ProxyPortNumber  uint16      `json:"proxy_port_number,omitempty"`
	UserRequestStart *bool       `json:"user_request_start,omitempty"`
	LinksOverrides   bool        `json:"links_overrides,omitempty"`
	Links            []LinkEntry `json:"links,omitempty"`
}

// Parse decodes one YAML document into a Config.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("workdirconfig: parse: %w", err)
	}
	return c, nil
}

// Merge combines three sources in priority order — built-in defaults,
// a shared common file, and a user file — per spec.md §4.5: each later
// source overrides scalar fields it sets and merges its links list by
// alias, unless its own LinksOverrides flag is set, in which case its
// links list replaces the accumulated one wholesale.
func Merge(defaults, common, user Config) Config {
	merged := defaults
	merged = overlay(merged, common)
	merged = overlay(merged, user)
	return merged
}

func overlay(base, over Config) Config {
	out := base
	if over.ProxyEnabled != nil {
		out.ProxyEnabled = over.ProxyEnabled
	}
	if over.ProxyHostIP != "" {
		out.ProxyHostIP = over.ProxyHostIP
	}
	if over.ProxyPortNumber != 0 {
		out.ProxyPortNumber = over.ProxyPortNumber
	}
	if over.UserRequestStart != nil {
		out.UserRequestStart = over.UserRequestStart
	}
	if over.LinksOverrides {
		out.Links = over.Links
		out.LinksOverrides = true
		return out
	}
	out.Links = mergeLinksByAlias(out.Links, over.Links)
	return out
}

func mergeLinksByAlias(base, over []LinkEntry) []LinkEntry {
	if len(over) == 0 {
		return base
	}
	byAlias := make(map[string]int, len(base))
	out := append([]LinkEntry(nil), base...)
	for i, l := range out {
		byAlias[l.Alias] = i
	}
	for _, l := range over {
		if i, ok := byAlias[l.Alias]; ok {
			out[i] = l
		} else {
			out = append(out, l)
			byAlias[l.Alias] = len(out) - 1
		}
	}
	return out
}

// Resolved is Config after defaults have been applied to every optional
// field, ready to feed into linktable.LinkConfig construction.
type Resolved struct {
	ProxyEnabled     bool
	ProxyHostIP      string
	ProxyPortNumber  uint16
	UserRequestStart bool
	Links            []ResolvedLink
}

// ResolvedLink is one link entry with schema defaults applied
// (selectable=true, monitored=true, priority=255).
type ResolvedLink struct {
	Alias      string
	RPC        string
	WS         string
	Selectable bool
	Monitored  bool
	Priority   uint8
	MaxPerSecs *int
	MaxPerMin  *int
}

// Resolve applies schema defaults to every optional field.
func (c Config) Resolve(defaultPortNumber uint16, defaultHostIP string) Resolved {
	r := Resolved{
		ProxyEnabled:     boolOr(c.ProxyEnabled, true),
		ProxyHostIP:      c.ProxyHostIP,
		ProxyPortNumber:  c.ProxyPortNumber,
		UserRequestStart: boolOr(c.UserRequestStart, true),
	}
	if r.ProxyHostIP == "" {
		r.ProxyHostIP = defaultHostIP
	}
	if r.ProxyPortNumber == 0 {
		r.ProxyPortNumber = defaultPortNumber
	}
	for _, l := range c.Links {
		r.Links = append(r.Links, ResolvedLink{
			Alias:      l.Alias,
			RPC:        l.RPC,
			WS:         l.WS,
			Selectable: boolOr(l.Selectable, true),
			Monitored:  boolOr(l.Monitored, true),
			Priority:   priorityOr(l.Priority, defaultPriority),
			MaxPerSecs: l.MaxPerSecs,
			MaxPerMin:  l.MaxPerMin,
		})
	}
	return r
}

// Equal reports byte-level-equivalent configuration content, used by the
// admin controller to short-circuit reconciliation when a reload produces
// an identical result (spec.md §4.7).
func (c Config) Equal(other Config) bool {
	a, err1 := yaml.Marshal(c)
	b, err2 := yaml.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}
