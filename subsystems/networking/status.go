package networking

import (
	"encoding/json"
	"strings"

	errw "github.com/pkg/errors"
)

const (
	SignalStrong = "strong"
	SignalMedium = "medium"
	SignalWeak   = "weak"

	IconWifi     = "wifi"
	IconWifiOff  = "wifi-off"
	IconWifiFair = "wifi-fair"
	IconWifiWeak = "wifi-weak"
)

// SignalQuality buckets an RSSI in dBm.
func SignalQuality(rssi int8) string {
	switch {
	case rssi >= -60:
		return SignalStrong
	case rssi >= -70:
		return SignalMedium
	default:
		return SignalWeak
	}
}

// NetworkStatus is the board's network section as reported upstream.
type NetworkStatus struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	SSID    string `json:"ssid"`
	RSSI    int8   `json:"rssi"`
	Channel int    `json:"channel"`
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	Signal  string `json:"signal"`
}

func (n *Networking) Status() NetworkStatus {
	rssi := n.driver.RSSI()
	return NetworkStatus{
		Type:    NetworkTypeWifi,
		Name:    n.Config().DeviceName,
		SSID:    n.driver.SSID(),
		RSSI:    rssi,
		Channel: n.driver.Channel(),
		IP:      n.driver.IPAddress(),
		MAC:     n.driver.MACAddress(),
		Signal:  SignalQuality(rssi),
	}
}

type boardJSON struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	SSID    string `json:"ssid,omitempty"`
	RSSI    *int8  `json:"rssi,omitempty"`
	Channel *int   `json:"channel,omitempty"`
	IP      string `json:"ip,omitempty"`
	MAC     string `json:"mac"`
}

// BoardJSON renders the board status object. Link fields are left out while provisioning.
func (n *Networking) BoardJSON() (string, error) {
	st := n.Status()
	out := boardJSON{Type: st.Type, Name: st.Name, MAC: st.MAC}
	if !n.machine.configMode() {
		out.SSID = st.SSID
		out.RSSI = &st.RSSI
		out.Channel = &st.Channel
		out.IP = st.IP
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", errw.Wrap(err, "encoding board status")
	}
	return string(data), nil
}

func (n *Networking) NetworkStateIcon() string {
	if n.machine.configMode() {
		return IconWifi
	}
	if !n.driver.IsConnected() {
		return IconWifiOff
	}
	switch SignalQuality(n.driver.RSSI()) {
	case SignalStrong:
		return IconWifi
	case SignalMedium:
		return IconWifiFair
	default:
		return IconWifiWeak
	}
}

// WebsocketURL is the upstream endpoint saved under websocket.url, empty if unset.
func (n *Networking) WebsocketURL() string {
	url, err := n.store.GetString(NamespaceWebsocket, KeyURL)
	if err != nil {
		n.logger.Debug(errw.Wrap(err, "reading websocket url"))
		return ""
	}
	return url
}

func (n *Networking) WebsocketSecure() bool {
	return strings.HasPrefix(n.WebsocketURL(), "wss://")
}
