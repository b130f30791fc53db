package networking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/viamrobotics/netprov/internal/blufi"
	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type mockDriver struct {
	mu sync.Mutex

	startSaved     []Credential
	startCalls     int
	stationStarts  int
	stops          int
	connects       int
	connectedSSIDs []string
	disconnects    int
	modes          []RadioMode

	waitResult bool
	connected  bool
	rssi       int8
	ssid       string
	channel    int
	ip         string
	mac        string

	station    StationConfig
	connectErr error
	scan       []NetworkInfo
	scanErr    error

	listener    func(LinkEvent)
	onScanBegin func()
	onConnect   func(string)
	onConnected func(string)
}

func newMockDriver() *mockDriver {
	return &mockDriver{mac: "aa:bb:cc:dd:ee:ff", rssi: rssiInvalid}
}

// Start reports progress for the first saved network, then "joins" it if waitResult is set.
func (m *mockDriver) Start(_ context.Context, saved []Credential) error {
	m.mu.Lock()
	m.startCalls++
	m.startSaved = saved
	onScanBegin, onConnect, onConnected := m.onScanBegin, m.onConnect, m.onConnected
	join := m.waitResult
	m.mu.Unlock()

	if onScanBegin != nil {
		onScanBegin()
	}
	if len(saved) > 0 && onConnect != nil {
		onConnect(saved[0].SSID)
	}
	if join && len(saved) > 0 {
		m.mu.Lock()
		m.connected = true
		m.ssid = saved[0].SSID
		m.mu.Unlock()
		if onConnected != nil {
			onConnected(saved[0].SSID)
		}
	}
	return nil
}

func (m *mockDriver) StartStation(_ context.Context) error {
	m.mu.Lock()
	m.stationStarts++
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener(LinkEvent{Kind: LinkStaStart})
	}
	return nil
}

func (m *mockDriver) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *mockDriver) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockDriver) RSSI() int8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rssi
}

func (m *mockDriver) SSID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ssid
}

func (m *mockDriver) Channel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *mockDriver) IPAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ip
}

func (m *mockDriver) MACAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mac
}

func (m *mockDriver) WaitForConnected(_ context.Context, _ time.Duration) bool {
	return m.IsConnected()
}

func (m *mockDriver) OnScanBegin(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onScanBegin = f
}

func (m *mockDriver) OnConnect(f func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = f
}

func (m *mockDriver) OnConnected(f func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = f
}

func (m *mockDriver) Subscribe(f func(LinkEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = f
}

func (m *mockDriver) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	m.connectedSSIDs = append(m.connectedSSIDs, m.station.SSID)
	return m.connectErr
}

func (m *mockDriver) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockDriver) SetMode(mode RadioMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, mode)
	return nil
}

func (m *mockDriver) SetStationConfig(cfg StationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.station = cfg
	return nil
}

func (m *mockDriver) StationConfig() StationConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.station
}

func (m *mockDriver) Scan(_ context.Context) ([]NetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan, m.scanErr
}

func (m *mockDriver) callbacksCleared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onScanBegin == nil && m.onConnect == nil && m.onConnected == nil
}

func (m *mockDriver) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

type mockTransport struct {
	mu sync.Mutex

	handler     blufi.EventHandler
	startErr    error
	started     bool
	closed      bool
	advStarts   int
	advStops    int
	reports     []blufi.WifiReport
	errorCodes  []blufi.ErrorCode
	wifiLists   [][]blufi.AccessPoint
	disconnects int
	created     int
}

// factory mimics the BLE server, which signals InitFinish once it is registered.
func (m *mockTransport) factory(handler blufi.EventHandler) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.created++
	m.closed = false
	return m, nil
}

func (m *mockTransport) Start(_ context.Context) error {
	m.mu.Lock()
	if m.startErr != nil {
		m.mu.Unlock()
		return m.startErr
	}
	m.started = true
	handler := m.handler
	m.mu.Unlock()
	handler(blufi.Event{Kind: blufi.EventInitFinish})
	return nil
}

func (m *mockTransport) StartAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advStarts++
	return nil
}

func (m *mockTransport) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advStops++
	return nil
}

func (m *mockTransport) SendWifiReport(r blufi.WifiReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockTransport) SendErrorInfo(code blufi.ErrorCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCodes = append(m.errorCodes, code)
	return nil
}

func (m *mockTransport) SendWifiList(aps []blufi.AccessPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wifiLists = append(m.wifiLists, aps)
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) lastReport() blufi.WifiReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return blufi.WifiReport{}
	}
	return m.reports[len(m.reports)-1]
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) advertiseStarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advStarts
}

type alert struct {
	title, message, emotion, sound string
}

type mockNotifier struct {
	mu            sync.Mutex
	notifications []string
	alerts        []alert
}

func (m *mockNotifier) ShowNotification(text string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, text)
}

func (m *mockNotifier) Alert(title, message, emotion, sound string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert{title, message, emotion, sound})
}

type mockRestarter struct {
	mu       sync.Mutex
	restarts int
}

func (m *mockRestarter) Restart(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
	return nil
}

func (m *mockRestarter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

type mockHotspot struct {
	mu      sync.Mutex
	ssid    string
	psk     string
	stopped bool
}

func (m *mockHotspot) StartHotspot(_ context.Context, ssid, psk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ssid = ssid
	m.psk = psk
	return nil
}

func (m *mockHotspot) StopHotspot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// sleepRecorder never actually waits.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err() == nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type testHarness struct {
	n         *Networking
	store     *FileStore
	driver    *mockDriver
	transport *mockTransport
	notifier  *mockNotifier
	restarter *mockRestarter
	hotspot   *mockHotspot
	sleeper   *sleepRecorder
}

func newTestHarness(t *testing.T, cfg utils.Config, saved ...Credential) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     NewFileStore(filepath.Join(t.TempDir(), "settings.json")),
		driver:    newMockDriver(),
		transport: &mockTransport{},
		notifier:  &mockNotifier{},
		restarter: &mockRestarter{},
		hotspot:   &mockHotspot{},
		sleeper:   &sleepRecorder{},
	}
	for i := len(saved) - 1; i >= 0; i-- {
		test.That(t, h.store.AddSsid(saved[i]), test.ShouldBeNil)
	}
	h.n = h.build(t, cfg)
	return h
}

func (h *testHarness) build(t *testing.T, cfg utils.Config) *Networking {
	t.Helper()
	n, err := New(context.Background(), logging.NewTestLogger(t), cfg, Deps{
		Store:        h.store,
		Driver:       h.driver,
		Restarter:    h.restarter,
		Hotspot:      h.hotspot,
		NewTransport: h.transport.factory,
		Notifier:     h.notifier,
		Sleep:        h.sleeper.sleep,
		FreeMemory:   func() (uint64, error) { return 1024, nil },
	})
	test.That(t, err, test.ShouldBeNil)
	n.portalAddr = "127.0.0.1"
	n.webPort = 0
	n.grpcPort = 0
	bgCtx, cancel := context.WithCancel(context.Background())
	n.bgCtx = bgCtx
	t.Cleanup(func() {
		test.That(t, n.stopPortal(), test.ShouldBeNil)
		cancel()
		n.workers.Wait()
	})
	return n
}

// drain dispatches everything queued for the event loop, in order, on the calling goroutine.
func (h *testHarness) drain() {
	for {
		select {
		case ev := <-h.n.events:
			h.n.dispatch(context.Background(), ev)
		default:
			return
		}
	}
}

func (h *testHarness) ble(ev blufi.Event) {
	h.transport.handler(ev)
	h.drain()
}

func (h *testHarness) link(ev LinkEvent) {
	h.driver.mu.Lock()
	listener := h.driver.listener
	h.driver.mu.Unlock()
	listener(ev)
	h.drain()
}

func bleConfig() utils.Config {
	cfg := utils.DefaultConfig()
	cfg.NetworkConfiguration.ProvisioningMode = utils.ProvisioningModeBluetooth
	return cfg
}

func hotspotConfig() utils.Config {
	cfg := utils.DefaultConfig()
	cfg.NetworkConfiguration.ProvisioningMode = utils.ProvisioningModeHotspot
	return cfg
}
