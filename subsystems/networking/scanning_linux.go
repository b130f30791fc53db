package networking

// This file includes functions used for wifi scans.

import (
	"context"
	"strings"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	goutils "go.viam.com/utils"
)

var ErrScanTimeout = errw.New("wifi scanning timed out")

// Scan asks NetworkManager for a fresh scan and returns what it saw, strongest first.
// While the device is busy (activating, or hosting the hotspot) the cached results are returned instead.
func (d *NMDriver) Scan(ctx context.Context) ([]NetworkInfo, error) {
	wifiDev := d.device()
	if wifiDev == nil {
		return nil, ErrNoWifi
	}

	if err := d.requestScan(ctx, wifiDev); err != nil {
		return nil, err
	}

	wifiList, err := wifiDev.GetAccessPoints()
	if err != nil {
		return nil, errw.Wrap(err, "scanning wifi")
	}

	var nets []NetworkInfo
	for _, ap := range wifiList {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ssid, err := ap.GetPropertySSID()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting ssid of discovered wifi network"))
			continue
		}

		if ssid == "" {
			d.logger.Debug("wifi network with blank ssid, ignoring")
			continue
		}

		signal, err := ap.GetPropertyStrength()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting signal strength of discovered wifi network"))
			continue
		}

		apFlags, err := ap.GetPropertyFlags()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting flags of discovered wifi network"))
			continue
		}

		wpaFlags, err := ap.GetPropertyWPAFlags()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting wpa flags of discovered wifi network"))
			continue
		}

		rsnFlags, err := ap.GetPropertyRSNFlags()
		if err != nil {
			d.logger.Warn(errw.Wrap(err, "getting rsn flags of discovered wifi network"))
			continue
		}

		nets = append(nets, NetworkInfo{
			Type:     NetworkTypeWifi,
			SSID:     ssid,
			Security: parseWPAFlags(apFlags, wpaFlags, rsnFlags),
			Signal:   int32(signal),
			RSSI:     signalToRSSI(signal),
		})
	}

	return dedupeNetworks(nets), nil
}

func (d *NMDriver) requestScan(ctx context.Context, wifiDev gnm.DeviceWireless) error {
	state, reason, err := wifiDev.GetPropertyStateReason()
	if err != nil {
		return errw.Wrap(err, "getting wifi state and reason")
	}

	if state != gnm.NmDeviceStateDisconnected && state != gnm.NmDeviceStateActivated {
		d.logger.Debugf("wifi device state: %s, reason: %s, using cached scan results", state, reason)
		return nil
	}

	prevScan, err := wifiDev.GetPropertyLastScan()
	if err != nil {
		return errw.Wrap(err, "getting last wifi scan")
	}

	if err := wifiDev.RequestScan(); err != nil {
		return errw.Wrap(err, "requesting wifi scan")
	}

	scanDeadline := time.Now().Add(scanTimeout)
	for {
		lastScan, err := wifiDev.GetPropertyLastScan()
		if err != nil {
			return errw.Wrap(err, "getting last wifi scan")
		}
		if lastScan > prevScan {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, time.Second) {
			return ctx.Err()
		}
		if time.Now().After(scanDeadline) {
			return ErrScanTimeout
		}
	}
}

func parseWPAFlags(apFlags, wpaFlags, rsnFlags uint32) string {
	flags := []string{}
	if apFlags&uint32(gnm.Nm80211APFlagsPrivacy) != 0 && wpaFlags == uint32(gnm.Nm80211APSecNone) && rsnFlags == uint32(gnm.Nm80211APSecNone) {
		return "WEP"
	}

	if wpaFlags == uint32(gnm.Nm80211APSecNone) && rsnFlags == uint32(gnm.Nm80211APSecNone) {
		return "-"
	}

	if wpaFlags != uint32(gnm.Nm80211APSecNone) {
		flags = append(flags, "WPA1")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtPSK) != 0 || rsnFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 {
		flags = append(flags, "WPA2")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtSAE) != 0 {
		flags = append(flags, "WPA3")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtOWE) != 0 {
		flags = append(flags, "OWE")
	} else if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtOWETM) != 0 {
		flags = append(flags, "OWE-TM")
	}
	if wpaFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 || rsnFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 {
		flags = append(flags, "802.1X")
	}

	return strings.Join(flags, " ")
}
