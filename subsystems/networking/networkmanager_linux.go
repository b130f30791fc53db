package networking

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"github.com/viamrobotics/netprov/internal/blufi"
	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var (
	_ LinkDriver    = (*NMDriver)(nil)
	_ HotspotDriver = (*NMDriver)(nil)
)

// NMDriver drives a single wifi device through NetworkManager, both as station and as the provisioning hotspot.
type NMDriver struct {
	logger logging.Logger
	cfg    utils.NetworkConfiguration

	nm       gnm.NetworkManager
	settings gnm.Settings

	// serializes profile changes and (de)activation
	opMu sync.Mutex

	workers sync.WaitGroup
	cancel  context.CancelFunc

	mu            sync.Mutex
	dev           gnm.DeviceWireless
	ifName        string
	mac           string
	conns         map[string]gnm.Connection
	hotspotConn   gnm.Connection
	hotspotActive gnm.ActiveConnection
	station       StationConfig

	listener    func(LinkEvent)
	onScanBegin func()
	onConnect   func(string)
	onConnected func(string)

	connected bool
	ssid      string
	bssid     [6]byte
	ip        string
	rssi      int8
	channel   int
	// set while we're the ones tearing the link down
	expectDisconnect bool
}

// NewNMDriver connects to NetworkManager and claims the configured (or first) wifi device.
func NewNMDriver(ctx context.Context, logger logging.Logger, cfg utils.NetworkConfiguration) (*NMDriver, error) {
	d := &NMDriver{
		logger: logger,
		cfg:    cfg,
		ifName: cfg.HotspotInterface,
		conns:  make(map[string]gnm.Connection),
		rssi:   rssiInvalid,
	}

	nm, err := d.getNM()
	if err != nil {
		return nil, err
	}
	settings, err := gnm.NewSettings()
	if err != nil {
		return nil, errw.Wrap(err, "getting NetworkManager settings")
	}
	d.nm = nm
	d.settings = settings

	if err := d.enableWifi(ctx); err != nil {
		return nil, err
	}
	if err := d.initDevice(); err != nil {
		return nil, err
	}
	if err := d.loadKnownConnections(); err != nil {
		d.logger.Warn(errw.Wrap(err, "loading existing connections"))
	}
	if err := d.writeWifiPowerSave(); err != nil {
		d.logger.Warn(err)
	}
	return d, nil
}

func (d *NMDriver) device() gnm.DeviceWireless {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev
}

func (d *NMDriver) OnScanBegin(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onScanBegin = f
}

func (d *NMDriver) OnConnect(f func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = f
}

func (d *NMDriver) OnConnected(f func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnected = f
}

func (d *NMDriver) Subscribe(f func(LinkEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = f
}

func (d *NMDriver) emit(ev LinkEvent) {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener != nil {
		listener(ev)
	}
}

func (d *NMDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *NMDriver) RSSI() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi
}

func (d *NMDriver) SSID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ssid
}

func (d *NMDriver) Channel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

func (d *NMDriver) IPAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

func (d *NMDriver) MACAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mac
}

func (d *NMDriver) StationConfig() StationConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.station
}

func (d *NMDriver) SetStationConfig(cfg StationConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.station = cfg
	return nil
}

// Start monitors the device and tries each visible saved network in the background.
func (d *NMDriver) Start(ctx context.Context, saved []Credential) error {
	runCtx := d.startMonitor(ctx)
	d.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer d.workers.Done()
		d.tryCandidates(runCtx, saved)
	})
	return nil
}

func (d *NMDriver) tryCandidates(ctx context.Context, saved []Credential) {
	d.mu.Lock()
	onScanBegin := d.onScanBegin
	d.mu.Unlock()
	if onScanBegin != nil {
		onScanBegin()
	}

	visible, err := d.Scan(ctx)
	if err != nil {
		d.logger.Warn(errw.Wrap(err, "scanning for saved networks"))
	}

	for _, cred := range orderCandidates(saved, visible) {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		onConnect, onConnected := d.onConnect, d.onConnected
		d.mu.Unlock()
		if onConnect != nil {
			onConnect(cred.SSID)
		}

		cfg := StationConfig{SSID: cred.SSID, Password: cred.Password}
		if cred.Password != "" {
			cfg.Threshold = AuthWPA2PSK
		}
		if err := d.SetStationConfig(cfg); err != nil {
			d.logger.Warn(err)
			continue
		}
		conn, err := d.ensureProfile(cfg)
		if err != nil {
			d.logger.Warn(err)
			continue
		}
		if _, err := d.activateAndWait(ctx, conn); err != nil {
			d.logger.Warn(errw.Wrapf(err, "joining %s", cred.SSID))
			continue
		}

		d.refreshLinkInfo()
		d.setConnected(true)
		d.logger.Infof("Successfully joined %s", cred.SSID)
		if onConnected != nil {
			onConnected(cred.SSID)
		}
		return
	}
	d.logger.Warn("no saved network could be joined")
}

// StartStation only watches the device, leaving connection attempts to Connect.
func (d *NMDriver) StartStation(ctx context.Context) error {
	if err := d.nm.SetPropertyWirelessEnabled(true); err != nil {
		return errw.Wrap(err, "enabling wifi")
	}
	d.startMonitor(ctx)
	d.emit(LinkEvent{Kind: LinkStaStart})
	return nil
}

func (d *NMDriver) startMonitor(ctx context.Context) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel

	d.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer d.workers.Done()
		d.monitor(runCtx)
	})
	return runCtx
}

func (d *NMDriver) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.workers.Wait()
	return nil
}

func (d *NMDriver) WaitForConnected(ctx context.Context, timeout time.Duration) bool {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if d.IsConnected() {
			return true
		}
		if !goutils.SelectContextOrWait(timeoutCtx, time.Millisecond*500) {
			return d.IsConnected()
		}
	}
}

// Connect starts activating the current station config. The outcome arrives as link events.
func (d *NMDriver) Connect() error {
	cfg := d.StationConfig()
	conn, err := d.ensureProfile(cfg)
	if err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.logger.Infow("activating connection", "ssid", cfg.SSID)
	if _, err := d.nm.ActivateConnection(conn, d.device(), nil); err != nil {
		return errw.Wrapf(err, "activating connection: %s", cfg.SSID)
	}
	return nil
}

func (d *NMDriver) Disconnect() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	activeConn, err := d.device().GetPropertyActiveConnection()
	if err != nil {
		return errw.Wrap(err, "getting active connection")
	}
	if activeConn == nil {
		return nil
	}

	d.mu.Lock()
	d.expectDisconnect = true
	d.mu.Unlock()
	if err := d.nm.DeactivateConnection(activeConn); err != nil {
		d.mu.Lock()
		d.expectDisconnect = false
		d.mu.Unlock()
		return errw.Wrap(err, "deactivating connection")
	}
	return nil
}

func (d *NMDriver) SetMode(mode RadioMode) error {
	switch mode {
	case RadioModeNull:
		return d.nm.SetPropertyWirelessEnabled(false)
	case RadioModeStation:
		return d.nm.SetPropertyWirelessEnabled(true)
	case RadioModeAccessPoint, RadioModeAccessPointStation:
		return errw.Errorf("radio mode %d is not supported, the hotspot is managed separately", mode)
	default:
		return errw.Errorf("unknown radio mode %d", mode)
	}
}

// ensureProfile adds or updates the NetworkManager profile for cfg.
func (d *NMDriver) ensureProfile(cfg StationConfig) (gnm.Connection, error) {
	d.mu.Lock()
	ifName := d.ifName
	conn := d.conns[cfg.SSID]
	d.mu.Unlock()

	settings, err := generateStationSettings(ifName, cfg)
	if err != nil {
		return nil, errw.Wrapf(err, "generating settings for %s", cfg.SSID)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if conn != nil {
		if err := conn.Update(settings); err != nil {
			// we may be out of sync with NetworkManager
			d.logger.Warn(errw.Wrapf(err, "updating settings for %s, attempting to add as new network", cfg.SSID))
			conn = nil
		}
	}
	if conn == nil {
		d.logger.Infof("Adding settings for network %s", cfg.SSID)
		conn, err = d.settings.AddConnection(settings)
		if err != nil {
			return nil, errw.Wrap(err, "adding new connection")
		}
	}

	d.mu.Lock()
	d.conns[cfg.SSID] = conn
	d.mu.Unlock()
	return conn, nil
}

// activateAndWait activates conn after subscribing to state changes to monitor.
func (d *NMDriver) activateAndWait(ctx context.Context, conn gnm.Connection) (gnm.ActiveConnection, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, activateTimeout)
	defer cancel()

	device := d.device()
	changeChan := make(chan gnm.DeviceStateChange, 32)
	exitChan := make(chan struct{})
	defer close(exitChan)

	if err := device.SubscribeState(changeChan, exitChan); err != nil {
		return nil, errw.Wrap(err, "monitoring connection activation")
	}

	activeConnection, err := d.nm.ActivateConnection(conn, device, nil)
	if err != nil {
		return activeConnection, errw.Wrap(err, "activating connection")
	}

	for {
		select {
		case update := <-changeChan:
			d.logger.Debugf("%s->%s (%s)", update.OldState, update.NewState, update.Reason)
			//nolint:exhaustive
			switch update.NewState {
			case gnm.NmDeviceStateActivated:
				return activeConnection, nil
			case gnm.NmDeviceStateFailed:
				if update.Reason == gnm.NmDeviceStateReasonNoSecrets {
					return activeConnection, ErrBadPassword
				}
				return activeConnection, errw.Errorf("connection failed: %s", update.Reason)
			default:
			}
		case <-timeoutCtx.Done():
			return activeConnection, errw.Wrap(timeoutCtx.Err(), "waiting for network activation")
		}
	}
}

// monitor turns device state changes into link events until ctx ends.
func (d *NMDriver) monitor(ctx context.Context) {
	changeChan := make(chan gnm.DeviceStateChange, 32)
	exitChan := make(chan struct{})
	defer close(exitChan)

	if err := d.device().SubscribeState(changeChan, exitChan); err != nil {
		d.logger.Error(errw.Wrap(err, "monitoring wifi device state"))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-changeChan:
			d.handleStateChange(update)
		}
	}
}

func (d *NMDriver) handleStateChange(update gnm.DeviceStateChange) {
	d.logger.Debugf("wifi device %s->%s (%s)", update.OldState, update.NewState, update.Reason)

	//nolint:exhaustive
	switch update.NewState {
	case gnm.NmDeviceStateIpConfig:
		d.refreshLinkInfo()
		d.mu.Lock()
		ev := LinkEvent{Kind: LinkStaConnected, SSID: d.ssid, BSSID: d.bssid, RSSI: d.rssi}
		d.mu.Unlock()
		d.emit(ev)
	case gnm.NmDeviceStateActivated:
		d.refreshLinkInfo()
		d.setConnected(true)
		d.emit(LinkEvent{Kind: LinkGotIP, IP: d.IPAddress()})
	case gnm.NmDeviceStateFailed:
		d.setConnected(false)
		d.emit(LinkEvent{Kind: LinkStaDisconnected, Reason: disconnectReason(update.Reason), RSSI: d.RSSI()})
	case gnm.NmDeviceStateDisconnected:
		// failures were already reported on the way through NmDeviceStateFailed
		if update.OldState == gnm.NmDeviceStateFailed ||
			update.OldState == gnm.NmDeviceStateUnavailable ||
			update.OldState == gnm.NmDeviceStateUnmanaged {
			return
		}
		d.setConnected(false)
		d.mu.Lock()
		expected := d.expectDisconnect
		d.expectDisconnect = false
		d.mu.Unlock()
		if expected {
			return
		}
		d.emit(LinkEvent{Kind: LinkStaDisconnected, Reason: disconnectReason(update.Reason), RSSI: d.RSSI()})
	default:
	}
}

func (d *NMDriver) setConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected != connected {
		d.logger.Infof("wifi connected: %t", connected)
	}
	d.connected = connected
	if !connected {
		d.ip = ""
	}
}

// refreshLinkInfo caches details of the current association. Failures leave the old values.
func (d *NMDriver) refreshLinkInfo() {
	device := d.device()

	ap, err := device.GetPropertyActiveAccessPoint()
	switch {
	case err != nil:
		d.logger.Debug(errw.Wrap(err, "getting active access point"))
	case ap == nil:
		d.logger.Debug("no active access point")
	default:
		ssid, _ := ap.GetPropertySSID()
		strength, _ := ap.GetPropertyStrength()
		freq, _ := ap.GetPropertyFrequency()
		hwAddr, _ := ap.GetPropertyHWAddress()

		d.mu.Lock()
		d.ssid = ssid
		d.rssi = signalToRSSI(strength)
		d.channel = channelFromFrequency(freq)
		if mac, err := net.ParseMAC(hwAddr); err == nil && len(mac) == len(d.bssid) {
			copy(d.bssid[:], mac)
		}
		d.mu.Unlock()
	}

	ip, err := deviceIPv4(device)
	if err != nil {
		d.logger.Debug(err)
		return
	}
	d.mu.Lock()
	d.ip = ip
	d.mu.Unlock()
}

func deviceIPv4(device gnm.Device) (string, error) {
	ip4, err := device.GetPropertyIP4Config()
	if err != nil {
		return "", errw.Wrap(err, "getting ipv4 config")
	}
	if ip4 == nil {
		return "", errors.New("no ipv4 config")
	}
	addrs, err := ip4.GetPropertyAddressData()
	if err != nil {
		return "", errw.Wrap(err, "getting ipv4 addresses")
	}
	if len(addrs) == 0 {
		return "", errors.New("no ipv4 address assigned")
	}
	return addrs[0].Address, nil
}

// disconnectReason maps NetworkManager's reasons onto the wifi reason codes BluFi reports.
func disconnectReason(reason gnm.NmDeviceStateReason) uint8 {
	//nolint:exhaustive
	switch reason {
	case gnm.NmDeviceStateReasonSsidNotFound:
		return blufi.ReasonNoAPFound
	case gnm.NmDeviceStateReasonNoSecrets, gnm.NmDeviceStateReasonSupplicantFailed:
		return blufi.ReasonAuthFail
	case gnm.NmDeviceStateReasonSupplicantTimeout:
		return blufi.ReasonHandshakeTimeout
	case gnm.NmDeviceStateReasonSupplicantDisconnect, gnm.NmDeviceStateReasonUserRequested:
		return blufi.ReasonAssocLeave
	default:
		return blufi.ReasonConnectionFail
	}
}

// StartHotspot brings up the provisioning access point with the portal address.
func (d *NMDriver) StartHotspot(ctx context.Context, ssid, psk string) error {
	if err := d.writeDNSMasq(); err != nil {
		return errw.Wrap(err, "writing dnsmasq configuration")
	}

	d.mu.Lock()
	ifName := d.ifName
	conn := d.hotspotConn
	d.mu.Unlock()

	settings := generateHotspotSettings(ifName, ssid, psk)
	d.opMu.Lock()
	if conn != nil {
		if err := conn.Update(settings); err != nil {
			d.logger.Warn(errw.Wrap(err, "updating hotspot settings, attempting to add as new network"))
			conn = nil
		}
	}
	if conn == nil {
		var err error
		conn, err = d.settings.AddConnection(settings)
		if err != nil {
			d.opMu.Unlock()
			return errw.Wrap(err, "adding hotspot connection")
		}
	}
	d.opMu.Unlock()

	d.mu.Lock()
	d.hotspotConn = conn
	d.mu.Unlock()

	active, err := d.activateAndWait(ctx, conn)
	if err != nil {
		return errw.Wrap(err, "starting provisioning mode hotspot")
	}
	d.mu.Lock()
	d.hotspotActive = active
	d.mu.Unlock()
	d.logger.Infof("Hotspot %s is up", ssid)
	return nil
}

func (d *NMDriver) StopHotspot() error {
	d.mu.Lock()
	active := d.hotspotActive
	d.hotspotActive = nil
	d.mu.Unlock()
	if active == nil {
		return nil
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.nm.DeactivateConnection(active); err != nil {
		return errw.Wrap(err, "stopping hotspot")
	}
	d.logger.Info("Stopped hotspot provisioning mode.")
	return nil
}
