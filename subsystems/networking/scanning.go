package networking

// This file includes the platform independent parts of wifi scanning.

import (
	"cmp"
	"slices"
)

// dedupeNetworks keeps the strongest entry per SSID, strongest first.
func dedupeNetworks(nets []NetworkInfo) []NetworkInfo {
	best := make(map[string]NetworkInfo, len(nets))
	for _, nw := range nets {
		if nw.SSID == "" {
			continue
		}
		if prev, ok := best[nw.SSID]; !ok || nw.Signal > prev.Signal {
			best[nw.SSID] = nw
		}
	}

	out := make([]NetworkInfo, 0, len(best))
	for _, nw := range best {
		out = append(out, nw)
	}
	slices.SortFunc(out, func(a, b NetworkInfo) int {
		if c := cmp.Compare(b.Signal, a.Signal); c != 0 {
			return c
		}
		return cmp.Compare(a.SSID, b.SSID)
	})
	return out
}

// orderCandidates returns the saved networks that are currently visible, strongest signal first.
// Saved networks missing from the scan are appended in saved order, as hidden networks never show up.
func orderCandidates(saved []Credential, visible []NetworkInfo) []Credential {
	signal := make(map[string]int32, len(visible))
	for _, nw := range visible {
		if s, ok := signal[nw.SSID]; !ok || nw.Signal > s {
			signal[nw.SSID] = nw.Signal
		}
	}

	var seen, hidden []Credential
	for _, cred := range saved {
		if _, ok := signal[cred.SSID]; ok {
			seen = append(seen, cred)
		} else {
			hidden = append(hidden, cred)
		}
	}
	slices.SortStableFunc(seen, func(a, b Credential) int {
		return cmp.Compare(signal[b.SSID], signal[a.SSID])
	})
	return append(seen, hidden...)
}
