// Package connectivity observes network state and classifies whether it is
// suitable for background sync.
package connectivity

import (
	"strings"
)

// NetworkType classifies the active network transport.
type NetworkType string

const (
	NetworkNone     NetworkType = "NONE"
	NetworkWiFi     NetworkType = "WIFI"
	NetworkCellular NetworkType = "CELLULAR"
	NetworkEthernet NetworkType = "ETHERNET"
	NetworkOther    NetworkType = "OTHER"
)

// State is a point-in-time view of connectivity.
type State struct {
	Connected bool        `json:"connected"`
	Validated bool        `json:"validated"`
	Type      NetworkType `json:"network_type"`
	Metered   bool        `json:"metered"`
}

// Offline is the state with no usable network.
var Offline = State{Type: NetworkNone}

// Suitable reports whether sync may run: connected, validated, and not
// metered unless allowMetered is set.
func (s State) Suitable(allowMetered bool) bool {
	if !s.Connected || !s.Validated || s.Type == NetworkNone {
		return false
	}
	return allowMetered || !s.Metered
}

// Classification returns "none", "metered" or "unmetered".
func (s State) Classification() string {
	switch {
	case !s.Connected:
		return "none"
	case s.Metered:
		return "metered"
	}
	return "unmetered"
}

// ClassifyInterface maps a network interface name to a transport type.
func ClassifyInterface(name string) NetworkType {
	n := strings.ToLower(name)
	switch {
	case n == "" || n == "lo" || strings.HasPrefix(n, "lo"):
		return NetworkNone
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return NetworkWiFi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ppp"), strings.HasPrefix(n, "ccmni"):
		return NetworkCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return NetworkEthernet
	}
	return NetworkOther
}

// bestType picks the preferred transport among candidates: ethernet, then
// wifi, then other, then cellular.
func bestType(types []NetworkType) NetworkType {
	rank := map[NetworkType]int{
		NetworkEthernet: 4,
		NetworkWiFi:     3,
		NetworkOther:    2,
		NetworkCellular: 1,
		NetworkNone:     0,
	}
	best := NetworkNone
	for _, t := range types {
		if rank[t] > rank[best] {
			best = t
		}
	}
	return best
}
