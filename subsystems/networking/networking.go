// Package networking is the subsystem that brings the device onto wifi, falling back to
// hotspot or BLE (BluFi) provisioning when no saved network can be joined.
package networking

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/internal/blufi"
	"github.com/viamrobotics/netprov/subsystems"
	"github.com/viamrobotics/netprov/utils"
	pb "go.viam.com/api/provisioning/v1"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"google.golang.org/grpc"
)

var _ subsystems.Subsystem = (*Networking)(nil)

// Deps are the collaborators the orchestrator drives. Store, Driver and Restarter are required.
type Deps struct {
	Store     Store
	Driver    LinkDriver
	Restarter Restarter

	// required for hotspot provisioning
	Hotspot HotspotDriver
	// required for bluetooth provisioning
	NewTransport TransportFactory

	Notifier   Notifier
	Sleep      SleepFunc
	FreeMemory func() (uint64, error)
}

type loopEvent struct {
	ble  *blufi.Event
	link *LinkEvent
}

type Networking struct {
	workers sync.WaitGroup

	// blocks start/stop/etc operations
	opMu    sync.Mutex
	running bool
	cancel  context.CancelFunc

	logger logging.Logger

	store        Store
	driver       LinkDriver
	hotspot      HotspotDriver
	newTransport TransportFactory
	notifier     Notifier
	restarter    Restarter
	sleep        SleepFunc
	freeMemory   func() (uint64, error)

	// force_ap as read (and cleared) at construction
	forceConfig bool

	machine *machineState
	link    *linkState

	// set once while entering bluetooth provisioning, before any event can arrive
	session   *session
	transport Transport

	events chan loopEvent

	loopHealth      *utils.Health
	heartbeatHealth *utils.Health

	restartOnce sync.Once
	restartErr  error

	// the last Start's boot flow failure, guarded by opMu
	startErr error

	// locking for config and background context
	dataMu sync.Mutex
	cfg    utils.NetworkConfiguration
	bgCtx  context.Context

	// portal
	portalAddr  string
	webPort     int
	grpcPort    int
	webServer   *http.Server
	grpcServer  *grpc.Server
	webAddr     net.Addr
	grpcAddr    net.Addr
	hotspotUp   bool
	hotspotSSID string

	errors *errorList
	banner *banner

	scanMu  sync.Mutex
	scanned []NetworkInfo

	pb.UnimplementedProvisioningServiceServer
}

// New builds the orchestrator and consumes the persisted force_ap flag.
func New(ctx context.Context, logger logging.Logger, cfg utils.Config, deps Deps) (*Networking, error) {
	if deps.Store == nil || deps.Driver == nil || deps.Restarter == nil {
		return nil, errw.New("networking requires a store, link driver and restarter")
	}

	n := &Networking{
		logger:       logger,
		store:        deps.Store,
		driver:       deps.Driver,
		hotspot:      deps.Hotspot,
		newTransport: deps.NewTransport,
		notifier:     deps.Notifier,
		restarter:    deps.Restarter,
		sleep:        deps.Sleep,
		freeMemory:   deps.FreeMemory,

		machine: newMachineState(logger),
		link:    newLinkState(logger),
		events:  make(chan loopEvent, eventQueueLen),

		loopHealth:      utils.NewHealth(),
		heartbeatHealth: utils.NewHealth(),

		cfg:   cfg.NetworkConfiguration,
		bgCtx: context.Background(),

		portalAddr: PortalBindAddr,
		webPort:    webPort,
		grpcPort:   grpcPort,

		errors: &errorList{},
		banner: &banner{},
	}
	if n.notifier == nil {
		n.notifier = NewLogNotifier(logger)
	}
	if n.sleep == nil {
		n.sleep = goutils.SelectContextOrWait
	}
	if n.freeMemory == nil {
		n.freeMemory = freeMemory
	}

	force, err := n.store.GetInt(NamespaceWifi, KeyForceAP)
	if err != nil {
		logger.Warn(errw.Wrap(err, "reading force_ap"))
	}
	n.forceConfig = force == 1
	if n.forceConfig {
		logger.Info("force_ap is set to 1, reset to 0")
	}
	if err := n.store.SetInt(NamespaceWifi, KeyForceAP, 0); err != nil {
		logger.Warn(errw.Wrap(err, "clearing force_ap"))
	}

	return n, nil
}

func (n *Networking) Config() utils.NetworkConfiguration {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	return n.cfg
}

func (n *Networking) background() context.Context {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	return n.bgCtx
}

// State returns where the boot flow currently stands.
func (n *Networking) State() State {
	return n.machine.getState()
}

// Mode returns the provisioning mode chosen for this boot.
func (n *Networking) Mode() ProvisioningMode {
	return n.machine.getMode()
}

// PendingRestart reports whether new credentials are waiting for a restart to take effect.
func (n *Networking) PendingRestart() bool {
	return n.machine.getPendingRestart()
}

// StartNetwork joins a saved network, or enters configuration mode when there is none,
// when force_ap was set, or when joining times out.
func (n *Networking) StartNetwork(ctx context.Context) (State, error) {
	if n.forceConfig {
		return n.EnterWifiConfigMode(ctx)
	}

	saved, err := n.store.SsidList()
	if err != nil {
		n.logger.Warn(errw.Wrap(err, "reading saved networks"))
	}
	if len(saved) == 0 {
		n.logger.Info("No saved wifi networks, entering configuration mode")
		return n.EnterWifiConfigMode(ctx)
	}

	if err := n.machine.transition(StateDirectConnect); err != nil {
		return n.State(), err
	}

	lang := n.Config().Language
	n.driver.OnScanBegin(func() {
		n.notifier.ShowNotification(localize(lang, msgScanning), notifyDuration)
	})
	n.driver.OnConnect(func(ssid string) {
		n.notifier.ShowNotification(localize(lang, msgConnectTo, ssid), notifyDuration)
	})
	n.driver.OnConnected(func(ssid string) {
		n.notifier.ShowNotification(localize(lang, msgConnected, ssid), notifyDuration)
	})

	timeout := time.Duration(n.Config().ConnectTimeout)
	if err := n.driver.Start(ctx, saved); err != nil {
		n.logger.Error(errw.Wrap(err, "starting wifi station"))
	} else if n.driver.WaitForConnected(ctx, timeout) {
		if err := n.machine.setMode(ModeStation); err != nil {
			return n.State(), err
		}
		if err := n.machine.transition(StateConnected); err != nil {
			return n.State(), err
		}
		return StateConnected, nil
	}

	if ctx.Err() != nil {
		return n.State(), ctx.Err()
	}

	n.logger.Warnf("Could not join a saved network within %s, entering configuration mode", timeout)
	if err := n.driver.Stop(); err != nil {
		n.logger.Warn(errw.Wrap(err, "stopping wifi station"))
	}
	// boot progress notifications end here, config mode scans and joins are silent
	n.driver.OnScanBegin(nil)
	n.driver.OnConnect(nil)
	n.driver.OnConnected(nil)
	return n.EnterWifiConfigMode(ctx)
}

// EnterWifiConfigMode starts the configured provisioning path and halts until restart.
func (n *Networking) EnterWifiConfigMode(ctx context.Context) (State, error) {
	if n.State() != StateConfigMode {
		if err := n.machine.transition(StateConfigMode); err != nil {
			return n.State(), err
		}
	}

	var err error
	switch n.Config().ProvisioningMode {
	case utils.ProvisioningModeHotspot:
		if err = n.machine.setMode(ModeConfigAccessPoint); err == nil {
			err = n.enterHotspotMode(ctx)
		}
	default:
		if err = n.machine.setMode(ModeConfigBle); err == nil {
			err = n.enterBleMode(ctx)
		}
	}
	if err != nil {
		n.logger.Error(err)
		return n.State(), err
	}

	if err := n.machine.transition(StateHalted); err != nil {
		return n.State(), err
	}
	n.startHeartbeat()
	return StateHalted, nil
}

func hotspotSSID(prefix, mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", errw.Wrapf(err, "parsing mac address %q", mac)
	}
	if len(hw) < 2 {
		return "", errw.Errorf("mac address too short: %q", mac)
	}
	return fmt.Sprintf("%s-%02X%02X", prefix, hw[len(hw)-2], hw[len(hw)-1]), nil
}

func (n *Networking) enterHotspotMode(ctx context.Context) error {
	if n.hotspot == nil {
		return errw.New("hotspot provisioning requested, but no hotspot driver is available")
	}
	cfg := n.Config()

	ssid, err := hotspotSSID(cfg.HotspotPrefix, n.driver.MACAddress())
	if err != nil {
		return err
	}

	// the radio can't scan once it's hosting the hotspot
	nets, err := n.driver.Scan(ctx)
	if err != nil {
		n.logger.Warn(errw.Wrap(err, "scanning before hotspot start"))
	}
	n.setScanned(nets)

	if err := n.hotspot.StartHotspot(ctx, ssid, cfg.HotspotPassword); err != nil {
		return errw.Wrapf(err, "starting hotspot %s", ssid)
	}
	n.dataMu.Lock()
	n.hotspotUp = true
	n.hotspotSSID = ssid
	n.dataMu.Unlock()

	if err := n.startPortal(); err != nil {
		return err
	}

	n.notifier.Alert(
		localize(cfg.Language, msgConfigTitle),
		localize(cfg.Language, msgConfigHotspot, ssid, PortalURL),
		"",
		alertSound,
	)
	return nil
}

func (n *Networking) enterBleMode(ctx context.Context) error {
	if n.newTransport == nil {
		return errw.New("bluetooth provisioning requested, but no BLE transport is available")
	}
	cfg := n.Config()

	n.session = newSession(n.logger)
	transport, err := n.newTransport(func(ev blufi.Event) {
		n.post(loopEvent{ble: &ev})
	})
	if err != nil {
		return errw.Wrap(err, "creating BLE transport")
	}
	n.transport = transport

	if err := transport.Start(ctx); err != nil {
		return errw.Wrap(err, "starting BLE transport")
	}

	n.driver.Subscribe(func(ev LinkEvent) {
		n.post(loopEvent{link: &ev})
	})
	// lets the station retry the last good network in the background
	if saved, err := n.store.SsidList(); err == nil && len(saved) > 0 && n.driver.StationConfig().SSID == "" {
		if err := n.driver.SetStationConfig(StationConfig{SSID: saved[0].SSID, Password: saved[0].Password}); err != nil {
			n.logger.Warn(errw.Wrap(err, "loading saved station config"))
		}
	}
	if err := n.driver.StartStation(ctx); err != nil {
		return errw.Wrap(err, "starting wifi station")
	}

	n.notifier.Alert(
		localize(cfg.Language, msgConfigTitle),
		localize(cfg.Language, msgConfigBle, cfg.DeviceName),
		"",
		alertSound,
	)
	return nil
}

// ResetWifiConfiguration makes the next boot enter configuration mode, then restarts the device.
func (n *Networking) ResetWifiConfiguration(ctx context.Context) error {
	if err := n.store.SetInt(NamespaceWifi, KeyForceAP, 1); err != nil {
		return errw.Wrap(err, "setting force_ap")
	}
	n.notifier.ShowNotification(localize(n.Config().Language, msgEnterConfig), notifyDuration)
	n.sleep(ctx, resetDelay)
	return n.restart(ctx)
}

// restart invokes the restarter at most once per process.
func (n *Networking) restart(ctx context.Context) error {
	n.restartOnce.Do(func() {
		n.logger.Info("Restarting device")
		n.restartErr = n.restarter.Restart(ctx)
	})
	return n.restartErr
}

func (n *Networking) scheduleRestart() {
	ctx := n.background()
	n.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer n.workers.Done()
		if !n.sleep(ctx, restartGrace) {
			return
		}
		if err := n.restart(ctx); err != nil {
			n.logger.Error(errw.Wrap(err, "restarting after provisioning"))
		}
	})
}

// credentialsAccepted saves a network that just worked and arms the restart.
func (n *Networking) credentialsAccepted(cred Credential) {
	if err := n.store.AddSsid(cred); err != nil {
		n.logger.Error(errw.Wrapf(err, "saving credentials for %s", cred.SSID))
		return
	}
	n.machine.setPendingRestart()
	n.notifier.ShowNotification(localize(n.Config().Language, msgCredentialsSaved, cred.SSID), notifyDuration)
	if n.Config().RestartAfterProvisioning.Get() {
		n.scheduleRestart()
	}
}

func (n *Networking) setScanned(nets []NetworkInfo) {
	n.scanMu.Lock()
	defer n.scanMu.Unlock()
	n.scanned = nets
}

func (n *Networking) getScanned() []NetworkInfo {
	n.scanMu.Lock()
	defer n.scanMu.Unlock()
	return append([]NetworkInfo(nil), n.scanned...)
}

// post hands an event to the event loop, giving up once the subsystem stops.
func (n *Networking) post(ev loopEvent) {
	select {
	case n.events <- ev:
	case <-n.background().Done():
	}
}

func (n *Networking) dispatch(ctx context.Context, ev loopEvent) {
	switch {
	case ev.ble != nil:
		n.handleBlufiEvent(ctx, *ev.ble)
	case ev.link != nil:
		n.handleLinkEvent(ctx, *ev.link)
	}
}

func (n *Networking) eventLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		n.loopHealth.MarkGood()
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.dispatch(ctx, ev)
		case <-ticker.C:
		}
	}
}

func (n *Networking) startHeartbeat() {
	ctx := n.background()
	n.heartbeatHealth.MarkGood()
	n.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer n.workers.Done()
		n.heartbeat(ctx)
	})
}

func (n *Networking) heartbeat(ctx context.Context) {
	var minFree uint64
	for {
		free, err := n.freeMemory()
		if err != nil {
			n.logger.Debug(errw.Wrap(err, "reading free memory"))
		} else {
			if minFree == 0 || free < minFree {
				minFree = free
			}
			n.logger.Infof("Free memory: %d minimal: %d", free, minFree)
		}
		n.heartbeatHealth.MarkGood()
		if !goutils.SelectContextOrWait(ctx, heartbeatInterval) {
			return
		}
	}
}

func (n *Networking) Start(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if n.running {
		return nil
	}
	n.logger.Debugf("Starting %s", SubsysName)

	cancelCtx, cancel := context.WithCancel(ctx)
	n.dataMu.Lock()
	n.bgCtx = cancelCtx
	n.dataMu.Unlock()
	n.cancel = cancel

	n.loopHealth.MarkGood()
	n.workers.Add(1)
	goutils.ManagedGo(func() {
		n.eventLoop(cancelCtx)
	}, n.workers.Done)
	n.running = true

	state, err := n.StartNetwork(cancelCtx)
	if err != nil {
		n.startErr = errw.Wrap(err, "starting network")
		return n.startErr
	}
	n.logger.Infof("%s startup complete, state: %s", SubsysName, state)
	return nil
}

func (n *Networking) Stop(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if !n.running {
		return nil
	}

	n.logger.Infof("%s subsystem exiting", SubsysName)
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.stopPortal(); err != nil {
		n.logger.Warn(err)
	}
	n.dataMu.Lock()
	hotspotUp := n.hotspotUp
	n.hotspotUp = false
	n.dataMu.Unlock()
	if hotspotUp {
		if err := n.hotspot.StopHotspot(); err != nil {
			n.logger.Warn(errw.Wrap(err, "stopping hotspot"))
		}
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			n.logger.Warn(errw.Wrap(err, "closing BLE transport"))
		}
	}
	n.workers.Wait()
	n.reset()
	n.running = false
	return nil
}

// reset drops per-session state so the next Start runs the boot flow from scratch.
// The restart-once guard is per process and survives.
func (n *Networking) reset() {
	n.machine = newMachineState(n.logger)
	n.link = newLinkState(n.logger)
	n.session = nil
	n.transport = nil
	n.startErr = nil
	for {
		select {
		case <-n.events:
		default:
			return
		}
	}
}

// Update stores a new config, returns true if the change only takes effect after a restart.
func (n *Networking) Update(ctx context.Context, cfg utils.Config) (needRestart bool) {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()

	newCfg := cfg.NetworkConfiguration
	if newCfg.HotspotInterface == "" {
		newCfg.HotspotInterface = n.cfg.HotspotInterface
	}
	if reflect.DeepEqual(newCfg, n.cfg) {
		return false
	}

	old := n.cfg
	needRestart = old.ProvisioningMode != newCfg.ProvisioningMode ||
		old.DeviceName != newCfg.DeviceName ||
		old.HotspotPrefix != newCfg.HotspotPrefix ||
		old.HotspotPassword != newCfg.HotspotPassword ||
		old.HotspotInterface != newCfg.HotspotInterface ||
		old.BlufiSecurity != newCfg.BlufiSecurity ||
		old.BlufiFragmentSize != newCfg.BlufiFragmentSize

	n.logger.Debugf("Updated config differs from previous. Previous: %#v New: %#v", old, newCfg)
	n.cfg = newCfg
	return needRestart
}

// HealthCheck reports if a subsystem is running correctly (it is restarted if not).
func (n *Networking) HealthCheck(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	if !n.running {
		return nil
	}
	if n.startErr != nil {
		return n.startErr
	}
	if !n.loopHealth.IsHealthy() {
		return errw.New("networking event loop not responsive")
	}
	if n.State() == StateHalted && !n.heartbeatHealth.IsHealthy() {
		return errw.New("networking heartbeat not responsive")
	}
	return nil
}
