package blufi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"tinygo.org/x/bluetooth"
)

const (
	bluezService  = "org.bluez"
	bluezDevice   = "org.bluez.Device1"
	bluezAdapter  = "/org/bluez/hci0"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsChanged  = "PropertiesChanged"
	maxServiceIDs = 10000
)

type ServerConfig struct {
	// Advertised local name.
	DeviceName   string
	Security     Security
	FragmentSize int
}

// Server exposes a Protocol as a BlueZ GATT service and reports link-layer
// events (init, phone connect/disconnect) through the same EventHandler.
type Server struct {
	logger  logging.Logger
	cfg     ServerConfig
	handler EventHandler
	proto   *Protocol

	workers sync.WaitGroup
	cancel  context.CancelFunc

	mu          sync.Mutex
	started     bool
	adv         *bluetooth.Advertisement
	advertising bool
	notify      bluetooth.Characteristic
	bus         *dbus.Conn
	device      dbus.ObjectPath
	sessionID   string
}

func NewServer(logger logging.Logger, cfg ServerConfig, handler EventHandler) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
	}
	s.proto = NewProtocol(logger, ProtocolConfig{
		Security:     cfg.Security,
		FragmentSize: cfg.FragmentSize,
		Send:         s.notifyPhone,
		Disconnect:   s.Disconnect,
	}, handler)
	return s
}

// Start registers the GATT service and begins watching for phone connections.
// EventInitFinish is emitted once the service is ready; advertising is left to the caller.
func (s *Server) Start(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}
	s.handler(Event{Kind: EventInitFinish})
	return nil
}

func (s *Server) register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("blufi server already started")
	}

	if err := ensureBluezConfiguration(ctx, s.logger); err != nil {
		s.logger.Warn(err)
	}
	checkBluetoothdVersion(ctx, s.logger)

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}

	serviceUUID := bluetooth.New16BitUUID(ServiceUUID16)
	err := adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  bluetooth.New16BitUUID(WriteUUID16),
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					s.proto.HandleWrite(append([]byte{}, value...))
				},
			},
			{
				Handle: &s.notify,
				UUID:   bluetooth.New16BitUUID(NotifyUUID16),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return errw.Wrap(err, "adding blufi gatt service")
	}

	adv := adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    s.cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}); err != nil {
		return errw.Wrap(err, "configuring advertisement")
	}
	s.adv = adv

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return errw.Wrap(err, "connecting to system dbus")
	}
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
		dbus.WithMatchArg(0, bluezDevice),
	); err != nil {
		return errors.Join(errw.Wrap(err, "subscribing to bluez device changes"), bus.Close())
	}
	s.bus = bus

	signals := make(chan *dbus.Signal, 16)
	bus.Signal(signals)

	ctx, s.cancel = context.WithCancel(ctx)
	s.workers.Add(1)
	utils.ManagedGo(func() {
		s.watchConnections(ctx, signals)
	}, s.workers.Done)

	s.started = true
	s.logger.Infof("blufi gatt service registered as %q", s.cfg.DeviceName)
	return nil
}

func (s *Server) watchConnections(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			connected, isConn := parseConnectedSignal(sig)
			if !isConn {
				continue
			}
			s.linkChanged(sig.Path, connected)
		}
	}
}

// parseConnectedSignal extracts Device1.Connected from a PropertiesChanged signal.
func parseConnectedSignal(sig *dbus.Signal) (connected, ok bool) {
	if sig == nil || sig.Name != propsIface+"."+propsChanged || len(sig.Body) < 2 {
		return false, false
	}
	if iface, isStr := sig.Body[0].(string); !isStr || iface != bluezDevice {
		return false, false
	}
	if !strings.HasPrefix(string(sig.Path), bluezAdapter+"/") {
		return false, false
	}
	props, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}
	v, exists := props["Connected"]
	if !exists {
		return false, false
	}
	connected, ok = v.Value().(bool)
	return connected, ok
}

func (s *Server) linkChanged(path dbus.ObjectPath, connected bool) {
	s.mu.Lock()
	if connected {
		if s.device != "" && s.device != path {
			s.mu.Unlock()
			s.logger.Debugf("ignoring second BLE client %s", path)
			return
		}
		s.device = path
		s.sessionID = uuid.NewString()
		s.logger.Infof("BLE client %s connected, session %s", path, s.sessionID)
	} else {
		if s.device != path {
			s.mu.Unlock()
			return
		}
		s.logger.Infof("BLE client %s disconnected, session %s ended", path, s.sessionID)
		s.device = ""
		s.sessionID = ""
	}
	s.mu.Unlock()

	s.proto.Reset()
	if connected {
		s.handler(Event{Kind: EventBleConnect})
	} else {
		s.handler(Event{Kind: EventBleDisconnect})
	}
}

func (s *Server) notifyPhone(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("blufi server not started")
	}
	_, err := s.notify.Write(frame)
	return err
}

// StartAdvertising is a no-op if already advertising.
func (s *Server) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		return errors.New("blufi server not started")
	}
	if s.advertising {
		return nil
	}
	if err := s.adv.Start(); err != nil {
		return errw.Wrap(err, "starting advertisement")
	}
	s.advertising = true
	s.logger.Debug("BLE advertising started")
	return nil
}

func (s *Server) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil || !s.advertising {
		return nil
	}
	if err := s.adv.Stop(); err != nil {
		return errw.Wrap(err, "stopping advertisement")
	}
	s.advertising = false
	s.logger.Debug("BLE advertising stopped")
	return nil
}

func (s *Server) SendWifiReport(r WifiReport) error {
	return s.proto.SendWifiReport(r)
}

func (s *Server) SendErrorInfo(code ErrorCode) error {
	return s.proto.SendErrorInfo(code)
}

func (s *Server) SendWifiList(aps []AccessPoint) error {
	return s.proto.SendWifiList(aps)
}

// Disconnect drops the link to the currently attached phone, if any.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	bus, device := s.bus, s.device
	s.mu.Unlock()
	if bus == nil || device == "" {
		return nil
	}
	return bus.Object(bluezService, device).Call(bluezDevice+".Disconnect", 0).Err
}

// Close stops advertising, unregisters the GATT service and stops watching dbus.
func (s *Server) Close() error {
	errOut := s.StopAdvertising()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errOut
	}
	s.started = false
	bus := s.bus
	s.bus = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()

	if bus != nil {
		errOut = errors.Join(errOut, removeServices(bus, s.logger), bus.Close())
	}
	return errOut
}

// removeServices unregisters every GATT application tinygo has exported.
// tinygo names them sequentially and offers no way to remove one.
func removeServices(bus *dbus.Conn, logger logging.Logger) error {
	adapter := bus.Object(bluezService, bluezAdapter)
	var ok bool
	for id := range maxServiceIDs {
		path := dbus.ObjectPath(fmt.Sprintf("/org/tinygo/bluetooth/service%d", id))
		if err := adapter.Call("org.bluez.GattManager1.UnregisterApplication", 0, path).Err; err == nil {
			logger.Debugf("removed gatt service %s", path)
			ok = true
		}
	}
	if !ok {
		return errors.New("could not find previous gatt service to remove")
	}
	return nil
}
