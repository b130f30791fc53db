package networking

import (
	"net"
	"sync"

	"github.com/viamrobotics/netprov/internal/blufi"
	"go.viam.com/rdk/logging"
)

// machineState tracks where the boot flow is. Readers (portal, grpc, status) take the lock.
type machineState struct {
	mu sync.Mutex

	state          State
	mode           ProvisioningMode
	pendingRestart bool

	logger logging.Logger
}

func newMachineState(logger logging.Logger) *machineState {
	return &machineState{logger: logger}
}

func (m *machineState) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkTransition(m.state, to); err != nil {
		m.logger.Error(err)
		return err
	}
	m.logger.Infof("State: %s -> %s", m.state, to)
	m.state = to
	return nil
}

func (m *machineState) getState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machineState) setMode(mode ProvisioningMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != ModeUnknown {
		return ErrModeAlreadySet
	}
	m.logger.Infof("Provisioning mode: %s", mode)
	m.mode = mode
	return nil
}

func (m *machineState) getMode() ProvisioningMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *machineState) configMode() bool {
	mode := m.getMode()
	return mode == ModeConfigAccessPoint || mode == ModeConfigBle
}

func (m *machineState) setPendingRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pendingRestart {
		m.logger.Info("Credentials accepted, restart pending")
	}
	m.pendingRestart = true
}

func (m *machineState) getPendingRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRestart
}

// linkState is the station link as seen through raw link events.
// Only the event loop writes it.
type linkState struct {
	mu sync.Mutex

	ssid       string
	bssid      [6]byte
	ip         string
	rssi       int8
	connecting bool
	ipAcquired bool
	retryCount uint8

	// wider than the current reason codes, which all fit a byte
	lastReason    uint16
	lastReasonSet bool

	logger logging.Logger
}

func newLinkState(logger logging.Logger) *linkState {
	return &linkState{logger: logger}
}

func (l *linkState) setConnecting(connecting bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connecting != connecting {
		l.logger.Debugf("Wifi Connecting: %t", connecting)
	}
	l.connecting = connecting
}

func (l *linkState) getConnecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connecting
}

// beginConnect marks a fresh connection attempt.
func (l *linkState) beginConnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connecting {
		l.logger.Debug("Wifi Connecting: true")
	}
	l.connecting = true
	l.ipAcquired = false
	l.retryCount = 0
}

func (l *linkState) setIPAcquired(acquired bool, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ipAcquired != acquired {
		l.logger.Infof("Wifi Connected: %t", acquired)
	}
	l.ipAcquired = acquired
	l.ip = ip
	if acquired {
		l.connecting = false
		l.retryCount = 0
	}
}

func (l *linkState) getIPAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ipAcquired
}

func (l *linkState) setAssociated(ssid string, bssid [6]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ssid != ssid {
		l.logger.Infof("Wifi SSID: %s", ssid)
	}
	l.ssid = ssid
	l.bssid = bssid
	l.connecting = false
}

func (l *linkState) setDisconnected(reason uint8, rssi int8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastReason = uint16(reason)
	l.lastReasonSet = true
	l.rssi = rssi
}

func (l *linkState) incrementRetry() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryCount++
	return l.retryCount
}

func (l *linkState) getRetry() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryCount
}

func (l *linkState) associated() (string, [6]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ssid, l.bssid
}

// session holds what a phone has sent over BLE. It exists only in ModeConfigBle.
type session struct {
	mu sync.Mutex

	bleConnected bool

	pendingSSID     []byte
	pendingPassword []byte
	pendingBSSID    [6]byte
	pendingBSSIDSet bool

	radioMode    RadioMode
	lastReported blufi.StaConnState
	connInfo     blufi.ExtraInfo

	logger logging.Logger
}

func newSession(logger logging.Logger) *session {
	return &session{logger: logger, radioMode: RadioModeStation, lastReported: blufi.StaConnFail}
}

func (s *session) setRadioMode(mode RadioMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.radioMode = mode
}

func (s *session) getRadioMode() RadioMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioMode
}

func (s *session) setBleConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bleConnected != connected {
		s.logger.Infof("BLE Connected: %t", connected)
	}
	s.bleConnected = connected
}

func (s *session) getBleConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bleConnected
}

func (s *session) setPendingSSID(ssid []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ssid) > maxSSIDLen {
		ssid = ssid[:maxSSIDLen]
	}
	s.pendingSSID = append([]byte(nil), ssid...)
}

func (s *session) setPendingPassword(psk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(psk) > maxPasswordLen {
		psk = psk[:maxPasswordLen]
	}
	s.pendingPassword = append([]byte(nil), psk...)
}

func (s *session) setPendingBSSID(raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(raw) != len(s.pendingBSSID) {
		return false
	}
	copy(s.pendingBSSID[:], raw)
	s.pendingBSSIDSet = true
	return true
}

func (s *session) pending() (ssid, psk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.pendingSSID), string(s.pendingPassword)
}

func (s *session) pendingBSSIDValue() ([6]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBSSID, s.pendingBSSIDSet
}

// recordConnInfo replaces the extra info sent with the next status reports.
func (s *session) recordConnInfo(rssi int8, reason uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connInfo = blufi.ExtraInfo{}
	if rssi != rssiInvalid {
		s.connInfo.MaxConnRetry = maxConnRetry
		s.connInfo.MaxConnRetrySet = true
	}
	if reason != reasonInvalid {
		s.connInfo.EndReason = reason
		s.connInfo.EndReasonSet = true
	}
}

func (s *session) clearConnInfo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connInfo = blufi.ExtraInfo{}
}

func (s *session) getConnInfo() blufi.ExtraInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connInfo
}

func (s *session) setReported(state blufi.StaConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReported = state
}

func (s *session) getReported() blufi.StaConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReported
}

func formatBSSID(bssid [6]byte) string {
	return net.HardwareAddr(bssid[:]).String()
}
