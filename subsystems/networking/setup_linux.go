package networking

// This file includes functions used only once during startup in NewNMDriver()

import (
	"context"
	"errors"
	"time"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"github.com/viamrobotics/netprov/utils"
	goutils "go.viam.com/utils"
)

const (
	DNSMasqFilepath = "/etc/NetworkManager/dnsmasq-shared.d/80-netprov.conf"
	// resolve everything to the portal while the hotspot is up
	DNSMasqContents = "address=/#/" + PortalBindAddr + "\n"

	wifiPowerSaveFilepath        = "/etc/NetworkManager/conf.d/81-netprov-wifi-powersave.conf"
	wifiPowerSaveContentsDefault = "# This file intentionally left blank.\n"
	wifiPowerSaveContentsDisable = "[connection]\n# Explicitly disable\nwifi.powersave = 2\n"
	wifiPowerSaveContentsEnable  = "[connection]\n# Explicitly enable\nwifi.powersave = 3\n"
)

var (
	ErrNM = errw.New("NetworkManager does not appear to be responding as expected. " +
		"Please ensure NetworkManger >= v1.30 is installed and enabled.")
	ErrNoWifi = errw.New("No WiFi devices available.")

	minNMVersion        = semver.MustParse("1.30.0")
	radioFlagsNMVersion = semver.MustParse("1.38.0")
)

func (d *NMDriver) getNM() (gnm.NetworkManager, error) {
	nm, err := gnm.NewNetworkManager()
	if err != nil {
		d.logger.Error(err)
		return nil, ErrNM
	}

	ver, err := nm.GetPropertyVersion()
	if err != nil {
		d.logger.Error(err)
		return nil, ErrNM
	}

	d.logger.Infof("Found NetworkManager version: %s", ver)

	sv, err := semver.NewVersion(ver)
	if err != nil {
		d.logger.Error(err)
		return nil, ErrNM
	}

	if !sv.GreaterThanEqual(minNMVersion) {
		return nil, ErrNM
	}

	// Older versions will bail out during initDevice() if scan fails to find a wifi interface
	if sv.GreaterThanEqual(radioFlagsNMVersion) {
		flags, err := nm.GetPropertyRadioFlags()
		if err != nil {
			d.logger.Error(err)
			return nil, ErrNoWifi
		}

		if flags&gnm.NmRadioFlagsWlanAvailable != gnm.NmRadioFlagsWlanAvailable {
			return nil, ErrNoWifi
		}
	}

	return nm, nil
}

// initDevice picks the wifi device to manage, the configured interface or the first one found.
func (d *NMDriver) initDevice() error {
	devices, err := d.nm.GetDevices()
	if err != nil {
		return err
	}

	for _, device := range devices {
		devType, err := device.GetPropertyDeviceType()
		if err != nil {
			return err
		}
		if devType != gnm.NmDeviceTypeWifi {
			continue
		}

		wifiDev, ok := device.(gnm.DeviceWireless)
		if !ok {
			return errors.New("cannot cast to wifi device")
		}
		ifName, err := wifiDev.GetPropertyInterface()
		if err != nil {
			return err
		}
		if d.ifName != "" && ifName != d.ifName {
			continue
		}

		if err := wifiDev.SetPropertyAutoConnect(true); err != nil {
			return err
		}
		mac, err := wifiDev.GetPropertyHwAddress()
		if err != nil {
			return errw.Wrapf(err, "getting hardware address of %s", ifName)
		}

		d.mu.Lock()
		d.dev = wifiDev
		d.ifName = ifName
		d.mac = mac
		d.mu.Unlock()
		d.logger.Infof("Using %s (%s) for wifi, will actively manage wifi only on this device.", ifName, mac)
		return nil
	}

	return ErrNoWifi
}

func (d *NMDriver) enableWifi(ctx context.Context) error {
	if err := d.nm.SetPropertyWirelessEnabled(true); err != nil {
		return err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()
	for {
		enabled, err := d.nm.GetPropertyWirelessEnabled()
		if err != nil {
			return err
		}
		if enabled {
			return nil
		}
		if !goutils.SelectContextOrWait(timeoutCtx, time.Second) {
			return errw.Wrap(timeoutCtx.Err(), "enabling wifi")
		}
	}
}

// loadKnownConnections picks up station profiles written by a previous run.
func (d *NMDriver) loadKnownConnections() error {
	conns, err := d.settings.ListConnections()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range conns {
		settings, err := conn.GetSettings()
		if err != nil {
			return err
		}
		if id, ok := settings["connection"]["id"].(string); ok && id == hotspotConnID {
			d.hotspotConn = conn
			continue
		}
		if ssid := getSSIDFromSettings(settings); ssid != "" {
			d.conns[ssid] = conn
		}
	}
	return nil
}

func (d *NMDriver) writeDNSMasq() error {
	_, err := utils.WriteFileIfNew(DNSMasqFilepath, []byte(DNSMasqContents))
	return err
}

func (d *NMDriver) writeWifiPowerSave() error {
	contents := wifiPowerSaveContentsDefault
	if d.cfg.WifiPowerSave.IsSet() {
		if d.cfg.WifiPowerSave.Get() {
			contents = wifiPowerSaveContentsEnable
		} else {
			contents = wifiPowerSaveContentsDisable
		}
	}

	isNew, err := utils.WriteFileIfNew(wifiPowerSaveFilepath, []byte(contents))
	if err != nil {
		return errw.Wrap(err, "writing wifi-powersave.conf")
	}

	if isNew {
		d.logger.Infof("Updated %s to: %q", wifiPowerSaveFilepath, contents)
		if err := d.nm.Reload(0); err != nil {
			return errw.Wrap(err, "reloading NetworkManager after wifi-powersave.conf update")
		}
	}
	return nil
}
