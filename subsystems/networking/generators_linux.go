package networking

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
)

// This file contains the wifi/hotspot setting generation functions.

const (
	connIDPrefix    = "netprov-"
	hotspotConnID   = connIDPrefix + "hotspot"
	wirelessSection = "802-11-wireless"
	securitySection = "802-11-wireless-security"
)

func stationConnID(ssid string) string {
	return connIDPrefix + NetworkTypeWifi + "-" + ssid
}

func generateHotspotSettings(ifName, ssid, psk string) gnm.ConnectionSettings {
	IPAsUint32, err := generateAddress(PortalBindAddr)
	if err != nil {
		// BindAddr is a const, so should only ever fail if code itself is changed/broken
		panic(err)
	}

	settings := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":             hotspotConnID,
			"uuid":           uuid.New().String(),
			"type":           wirelessSection,
			"autoconnect":    false,
			"interface-name": ifName,
		},
		wirelessSection: map[string]any{
			"mode": "ap",
			"ssid": []byte(ssid),
		},
		"ipv4": map[string]any{
			"method":        "shared",
			"addresses":     [][]uint32{{IPAsUint32, 24, IPAsUint32}},
			"never-default": true,
		},
		"ipv6": map[string]any{
			"method": "disabled",
		},
	}
	if psk != "" {
		settings[securitySection] = map[string]any{
			"key-mgmt": "wpa-psk",
			"psk":      psk,
		}
	}
	return settings
}

func generateStationSettings(ifName string, cfg StationConfig) (gnm.ConnectionSettings, error) {
	if cfg.SSID == "" {
		return nil, ErrNoSSID
	}
	if cfg.Password != "" && len(cfg.Password) < 8 {
		return nil, errw.Wrap(ErrBadPassword, "wifi passwords must be at least 8 characters long, or completely empty (for unsecured networks)")
	}
	if cfg.Password == "" && cfg.Threshold >= AuthWPA2PSK {
		return nil, errw.Wrapf(ErrBadPassword, "%s requires WPA2-PSK but no password was given", cfg.SSID)
	}

	settings := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":          stationConnID(cfg.SSID),
			"uuid":        uuid.New().String(),
			"type":        wirelessSection,
			"autoconnect": true,
		},
		"ipv4": map[string]any{"method": "auto"},
	}
	if ifName != "" {
		settings["connection"]["interface-name"] = ifName
	}

	wireless := map[string]any{
		"mode": "infrastructure",
		"ssid": []byte(cfg.SSID),
	}
	if cfg.BSSIDSet {
		wireless["bssid"] = cfg.BSSID[:]
	}
	settings[wirelessSection] = wireless

	if cfg.Password != "" {
		settings[securitySection] = map[string]any{"key-mgmt": "wpa-psk", "psk": cfg.Password}
	}

	return settings, nil
}

// getSSIDFromSettings returns the SSID of a station profile this driver created, empty for anything else.
func getSSIDFromSettings(settings gnm.ConnectionSettings) string {
	connection, ok := settings["connection"]
	if !ok {
		return ""
	}
	id, ok := connection["id"].(string)
	if !ok || !strings.HasPrefix(id, connIDPrefix) || id == hotspotConnID {
		return ""
	}

	wifi, ok := settings[wirelessSection]
	if !ok {
		return ""
	}
	mode, ok := wifi["mode"].(string)
	if !ok || mode != "infrastructure" {
		return ""
	}
	ssid, ok := wifi["ssid"].([]byte)
	if !ok {
		return ""
	}
	return string(ssid)
}

// converts an ipv4 string (192.168.0.1) to a uint32 in network byte order.
func generateAddress(addr string) (uint32, error) {
	parseErr := errw.Errorf("parsing ipv4: %s", addr)
	// double-check with another library for correctness
	if net.ParseIP(addr) == nil {
		return 0, parseErr
	}

	ret := strings.Split(addr, ".")
	if len(ret) != 4 {
		return 0, parseErr
	}

	var outBytes []byte
	for _, nibble := range ret {
		b, err := strconv.ParseUint(nibble, 10, 8)
		if err != nil {
			return 0, parseErr
		}
		outBytes = append(outBytes, byte(b))
	}

	return binary.LittleEndian.Uint32(outBytes), nil
}
