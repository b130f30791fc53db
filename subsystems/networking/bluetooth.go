package networking

import (
	"context"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/internal/blufi"
)

// This file contains the BluFi request dispatcher and the station's reactions to raw link events.
// Everything here runs on the event loop.

func (n *Networking) bleConnected() bool {
	return n.session != nil && n.session.getBleConnected()
}

func (n *Networking) startAdvertising() {
	if n.transport == nil {
		return
	}
	if err := n.transport.StartAdvertising(); err != nil {
		n.logger.Warn(errw.Wrap(err, "starting BLE advertising"))
	}
}

func (n *Networking) stopAdvertising() {
	if n.transport == nil {
		return
	}
	if err := n.transport.StopAdvertising(); err != nil {
		n.logger.Warn(errw.Wrap(err, "stopping BLE advertising"))
	}
}

func (n *Networking) handleBlufiEvent(ctx context.Context, ev blufi.Event) {
	s := n.session
	t := n.transport
	if s == nil || t == nil {
		n.logger.Warnf("dropping BluFi event %s outside of bluetooth provisioning", ev.Kind)
		return
	}
	n.logger.Debugf("BluFi event: %s", ev.Kind)

	//nolint:exhaustive
	switch ev.Kind {
	case blufi.EventInitFinish:
		if n.link.getIPAcquired() || n.link.getConnecting() {
			n.logger.Info("BluFi ready, wifi connected or connecting, not advertising")
			return
		}
		n.logger.Info("BluFi ready, advertising for provisioning")
		n.startAdvertising()
	case blufi.EventBleConnect:
		s.setBleConnected(true)
		n.stopAdvertising()
	case blufi.EventBleDisconnect:
		s.setBleConnected(false)
		n.startAdvertising()
	case blufi.EventSetWifiOpmode:
		mode := radioModeFromBlufi(ev.Mode)
		if err := n.driver.SetMode(mode); err != nil {
			n.logger.Warn(errw.Wrapf(err, "setting wifi mode %s", ev.Mode))
			return
		}
		s.setRadioMode(mode)
	case blufi.EventReqConnectToAP:
		n.connectRequested()
	case blufi.EventReqDisconnectFromAP:
		if err := n.driver.Disconnect(); err != nil {
			n.logger.Warn(errw.Wrap(err, "disconnecting wifi"))
		}
	case blufi.EventReportError:
		n.logger.Warnf("BluFi error reported: %d", ev.Error)
		if err := t.SendErrorInfo(ev.Error); err != nil {
			n.logger.Warn(errw.Wrap(err, "sending BluFi error"))
		}
	case blufi.EventGetWifiStatus:
		n.sendWifiStatus()
	case blufi.EventGetWifiList:
		n.sendWifiList(ctx)
	case blufi.EventRecvStaBssid:
		if !s.setPendingBSSID(ev.Data) {
			n.logger.Warnf("ignoring malformed BSSID (%d bytes)", len(ev.Data))
		}
	case blufi.EventRecvStaSsid:
		s.setPendingSSID(ev.Data)
		ssid, _ := s.pending()
		n.logger.Infof("BluFi received SSID %s", ssid)
	case blufi.EventRecvStaPasswd:
		s.setPendingPassword(ev.Data)
		n.logger.Info("BluFi received password")
		n.applyStationConfig()
	case blufi.EventDeauthSta:
		n.logger.Info("BluFi softap deauth request ignored, softap is not supported")
	case blufi.EventRecvSoftAPConfig:
		n.logger.Infof("BluFi softap setting (subtype %d) ignored, softap is not supported", ev.Subtype)
	case blufi.EventRecvUsername, blufi.EventRecvCertificate:
		n.logger.Infof("BluFi enterprise setting %s ignored, only WPA2-PSK is supported", ev.Kind)
	case blufi.EventRecvCustomData:
		n.logger.Infof("BluFi custom data: %q", ev.Data)
	default:
		n.logger.Warnf("unhandled BluFi event: %s", ev.Kind)
	}
}

// applyStationConfig hands the buffered credentials to the driver.
func (n *Networking) applyStationConfig() {
	ssid, psk := n.session.pending()
	if ssid == "" {
		n.logger.Warn("password received before any SSID, station config will have an empty SSID")
	}
	cfg := StationConfig{SSID: ssid, Password: psk, Threshold: AuthWPA2PSK}
	if bssid, ok := n.session.pendingBSSIDValue(); ok {
		cfg.BSSID = bssid
		cfg.BSSIDSet = true
	}
	if err := n.driver.SetStationConfig(cfg); err != nil {
		n.logger.Warn(errw.Wrapf(err, "setting station config for %s", ssid))
	}
}

func (n *Networking) connectRequested() {
	if ssid, _ := n.session.pending(); ssid != "" && n.driver.StationConfig().SSID != ssid {
		// open network, no password frame was sent
		n.applyStationConfig()
	}
	if err := n.driver.Disconnect(); err != nil {
		n.logger.Debug(errw.Wrap(err, "disconnecting before connect"))
	}
	n.initiateConnect()
}

func (n *Networking) initiateConnect() {
	n.link.beginConnect()
	if n.session != nil {
		n.session.clearConnInfo()
	}
	n.logger.Infof("Connecting to %s", n.driver.StationConfig().SSID)
	if err := n.driver.Connect(); err != nil {
		n.logger.Warn(errw.Wrap(err, "starting wifi connection"))
		n.link.setConnecting(false)
	}
}

func (n *Networking) sendReport(state blufi.StaConnState, info *blufi.ExtraInfo) {
	if n.transport == nil || n.session == nil {
		return
	}
	report := blufi.WifiReport{
		Mode:  n.session.getRadioMode().blufi(),
		State: state,
		Info:  info,
	}
	if err := n.transport.SendWifiReport(report); err != nil {
		n.logger.Warn(errw.Wrap(err, "sending wifi report"))
		return
	}
	n.session.setReported(state)
}

func (n *Networking) successInfo() *blufi.ExtraInfo {
	ssid, bssid := n.link.associated()
	return &blufi.ExtraInfo{BSSID: bssid, BSSIDSet: true, SSID: []byte(ssid)}
}

func (n *Networking) sendWifiStatus() {
	switch {
	case n.link.getIPAcquired():
		n.sendReport(blufi.StaConnSuccess, n.successInfo())
	case n.link.getConnecting():
		info := n.session.getConnInfo()
		n.sendReport(blufi.StaConnecting, &info)
	default:
		info := n.session.getConnInfo()
		n.sendReport(blufi.StaConnFail, &info)
	}
}

func (n *Networking) sendWifiList(ctx context.Context) {
	nets, err := n.driver.Scan(ctx)
	if err != nil {
		n.logger.Warn(errw.Wrap(err, "scanning for BluFi wifi list"))
		if err := n.transport.SendErrorInfo(blufi.ErrorWifiScan); err != nil {
			n.logger.Warn(errw.Wrap(err, "sending BluFi error"))
		}
		return
	}
	aps := make([]blufi.AccessPoint, 0, len(nets))
	for _, nw := range nets {
		aps = append(aps, blufi.AccessPoint{SSID: nw.SSID, RSSI: nw.RSSI})
	}
	if err := n.transport.SendWifiList(aps); err != nil {
		n.logger.Warn(errw.Wrap(err, "sending wifi list"))
	}
}

func (n *Networking) handleLinkEvent(ctx context.Context, ev LinkEvent) {
	n.logger.Debugf("link event: %s", ev.Kind)

	switch ev.Kind {
	case LinkStaStart:
		if ssid := n.driver.StationConfig().SSID; ssid != "" {
			n.logger.Infof("Station started with saved network %s, connecting", ssid)
			n.initiateConnect()
			return
		}
		n.logger.Info("Station started without a saved network, waiting for provisioning")
		n.link.setConnecting(false)
	case LinkStaConnected:
		n.logger.Infof("Wifi associated with %s (%s)", ev.SSID, formatBSSID(ev.BSSID))
		n.link.setAssociated(ev.SSID, ev.BSSID)
	case LinkStaDisconnected:
		n.logger.Infof("Wifi disconnected, reason: %d", ev.Reason)
		n.link.setIPAcquired(false, "")
		n.link.setDisconnected(ev.Reason, ev.RSSI)
		if n.bleConnected() {
			n.session.recordConnInfo(ev.RSSI, ev.Reason)
			info := n.session.getConnInfo()
			n.sendReport(blufi.StaConnFail, &info)
		}
		if n.link.getConnecting() {
			n.retryConnect(ctx)
		}
		if n.Config().BlufiAdvertiseOnLinkLoss.Get() &&
			!n.link.getIPAcquired() && !n.link.getConnecting() && !n.bleConnected() {
			n.startAdvertising()
		}
	case LinkGotIP:
		n.logger.Infof("Wifi got IP: %s", ev.IP)
		n.link.setIPAcquired(true, ev.IP)
		if n.bleConnected() {
			n.sendReport(blufi.StaConnSuccess, n.successInfo())
		}
		if n.machine.configMode() {
			cfg := n.driver.StationConfig()
			n.credentialsAccepted(Credential{SSID: cfg.SSID, Password: cfg.Password})
		}
	}
}

// retryConnect reissues connect after a fixed delay, up to maxConnRetry times per attempt.
func (n *Networking) retryConnect(ctx context.Context) bool {
	if n.link.getRetry() >= maxConnRetry {
		n.logger.Errorf("Failed to connect after %d retries", maxConnRetry)
		n.link.setConnecting(false)
		if n.bleConnected() {
			n.session.recordConnInfo(rssiInvalid, blufi.ReasonNoAPFound)
			info := n.session.getConnInfo()
			n.sendReport(blufi.StaConnFail, &info)
		}
		return false
	}

	attempt := n.link.incrementRetry()
	n.logger.Infof("Retrying wifi connection (%d/%d)", attempt, maxConnRetry)
	if !n.sleep(ctx, retryDelay) {
		return false
	}
	if err := n.driver.Connect(); err != nil {
		// no disconnect event follows a connect that never started
		n.logger.Warn(errw.Wrap(err, "retrying wifi connection"))
		n.link.setConnecting(false)
		return false
	}
	return true
}
