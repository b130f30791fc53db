package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/internal/blufi"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"
)

const replyTimeout = time.Second * 30

// session is one BluFi conversation over a connected device.
type session struct {
	logger  logging.Logger
	client  *blufi.Client
	write   bluetooth.DeviceCharacteristic
	replies chan blufi.Reply
	errs    chan error
}

func btClient(logger logging.Logger) error {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		return err
	}

	if opts.BTScan {
		return BTScanOnly(adapter)
	}

	addr, err := BTScan(adapter)
	if err != nil {
		return err
	}
	fmt.Println("Connecting...")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return errw.Wrap(err, "connecting device")
	}
	defer func() {
		fmt.Println("Disconnecting...")
		if err := device.Disconnect(); err != nil {
			fmt.Println(err)
		}
	}()

	fmt.Printf("Discovering characteristics for service UUID: %s\n", bluetooth.New16BitUUID(blufi.ServiceUUID16))
	srvcs, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(blufi.ServiceUUID16)})
	if err != nil {
		return errw.Wrap(err, "discovering service")
	}
	if len(srvcs) == 0 {
		return errw.New("blufi service not found")
	}
	chars, err := srvcs[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.New16BitUUID(blufi.WriteUUID16),
		bluetooth.New16BitUUID(blufi.NotifyUUID16),
	})
	if err != nil {
		return errw.Wrap(err, "discovering characteristics")
	}

	var writeChar, notifyChar *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case bluetooth.New16BitUUID(blufi.WriteUUID16):
			writeChar = &chars[i]
		case bluetooth.New16BitUUID(blufi.NotifyUUID16):
			notifyChar = &chars[i]
		default:
			fmt.Printf("Unknown characteristic discovered with UUID: %s\n", chars[i].UUID())
		}
	}
	if writeChar == nil || notifyChar == nil {
		return errw.New("blufi characteristics not found")
	}

	var dh *blufi.DHClient
	var sec blufi.Security
	if !opts.NoSecurity {
		dh, err = blufi.NewDHClient()
		if err != nil {
			return err
		}
		sec = dh
	}

	s := &session{
		logger:  logger,
		client:  blufi.NewClient(sec, opts.FragmentSize),
		write:   *writeChar,
		replies: make(chan blufi.Reply, 8),
		errs:    make(chan error, 8),
	}
	if err := notifyChar.EnableNotifications(s.onNotify); err != nil {
		return errw.Wrap(err, "enabling notifications")
	}

	if dh != nil {
		if err := s.negotiate(dh); err != nil {
			return err
		}
	}

	if opts.Version {
		if err := s.getVersion(); err != nil {
			return err
		}
	}

	if opts.Status {
		if err := s.getStatus(); err != nil {
			return err
		}
	}

	if opts.Networks {
		if err := s.getNetworks(); err != nil {
			return err
		}
	}

	if opts.Disconnect {
		if err := s.send(s.client.DisconnectAP()); err != nil {
			return err
		}
	}

	if opts.WifiSSID != "" {
		return s.setWifiCreds(opts.WifiSSID, opts.WifiPSK)
	}

	return nil
}

func (s *session) onNotify(buf []byte) {
	reply, ok, err := s.client.Decode(append([]byte{}, buf...))
	if err != nil {
		select {
		case s.errs <- err:
		default:
			s.logger.Warn(err)
		}
		return
	}
	if !ok {
		return
	}
	select {
	case s.replies <- reply:
	default:
		s.logger.Warnf("dropping reply with subtype %d", reply.Subtype)
	}
}

func (s *session) send(frames [][]byte, err error) error {
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := s.write.WriteWithoutResponse(f); err != nil {
			return errw.Wrap(err, "writing frame")
		}
	}
	return nil
}

// await returns the next reply accepted by match. Device error reports end the wait.
func (s *session) await(match func(blufi.Reply) bool) (blufi.Reply, error) {
	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-s.replies:
			if match(reply) {
				return reply, nil
			}
			if reply.IsError() && len(reply.Payload) > 0 {
				return reply, fmt.Errorf("device reported error code %d", reply.Payload[0])
			}
			s.logger.Debugf("ignoring reply with subtype %d", reply.Subtype)
		case err := <-s.errs:
			return blufi.Reply{}, errw.Wrap(err, "decoding reply")
		case <-timer.C:
			return blufi.Reply{}, errw.New("timed out waiting for device reply")
		}
	}
}

func (s *session) negotiate(dh *blufi.DHClient) error {
	fmt.Println("Negotiating session key...")
	for _, payload := range dh.NegotiationPayloads() {
		if err := s.send(s.client.Negotiate(payload)); err != nil {
			return errw.Wrap(err, "sending negotiation data")
		}
	}
	reply, err := s.await(blufi.Reply.IsNegotiation)
	if err != nil {
		return err
	}
	if err := dh.Complete(reply.Payload); err != nil {
		return err
	}
	return s.send(s.client.SetSecurityMode(blufi.SecModeData))
}

func (s *session) getVersion() error {
	if err := s.send(s.client.GetVersion()); err != nil {
		return err
	}
	reply, err := s.await(blufi.Reply.IsVersion)
	if err != nil {
		return err
	}
	if len(reply.Payload) != 2 {
		return fmt.Errorf("version reply is the wrong size: %d", len(reply.Payload))
	}
	fmt.Printf("BluFi Version: %d.%d\n", reply.Payload[0], reply.Payload[1])
	return nil
}

func (s *session) getStatus() error {
	if err := s.send(s.client.GetWifiStatus()); err != nil {
		return err
	}
	reply, err := s.await(blufi.Reply.IsWifiReport)
	if err != nil {
		return err
	}
	printReport(reply.Payload)
	return nil
}

func (s *session) getNetworks() error {
	if err := s.send(s.client.GetWifiList()); err != nil {
		return err
	}
	reply, err := s.await(blufi.Reply.IsWifiList)
	if err != nil {
		return err
	}
	aps, err := blufi.ParseWifiList(reply.Payload)
	if err != nil {
		return err
	}
	fmt.Println("Networks:")
	for _, ap := range aps {
		fmt.Printf("SSID: %s, RSSI: %d\n", ap.SSID, ap.RSSI)
	}
	return nil
}

func (s *session) setWifiCreds(ssid, psk string) error {
	fmt.Println("Writing wifi credentials...")
	if err := s.send(s.client.SetOpmode(blufi.WifiModeStation)); err != nil {
		return err
	}
	if err := s.send(s.client.StaSSID(ssid)); err != nil {
		return errw.Wrap(err, "writing ssid")
	}
	if err := s.send(s.client.StaPassword(psk)); err != nil {
		return errw.Wrap(err, "writing psk")
	}
	if err := s.send(s.client.ConnectAP()); err != nil {
		return errw.Wrap(err, "requesting connection")
	}

	for {
		reply, err := s.await(blufi.Reply.IsWifiReport)
		if err != nil {
			return err
		}
		state := printReport(reply.Payload)
		if state != blufi.StaConnecting {
			if state != blufi.StaConnSuccess {
				return fmt.Errorf("device failed to join %s: %s", ssid, state)
			}
			return nil
		}
	}
}

func printReport(payload []byte) blufi.StaConnState {
	report, err := blufi.ParseWifiReport(payload)
	if err != nil {
		fmt.Printf("Malformed wifi report: %s\n", err)
		return report.State
	}
	line := fmt.Sprintf("Mode: %s, State: %s", report.Mode, report.State)
	if info := report.Info; info != nil {
		if len(info.SSID) > 0 {
			line += fmt.Sprintf(", SSID: %s", info.SSID)
		}
		if info.BSSIDSet {
			line += fmt.Sprintf(", BSSID: %x", info.BSSID)
		}
		if info.RSSISet {
			line += fmt.Sprintf(", RSSI: %d", info.RSSI)
		}
		if info.EndReasonSet {
			line += fmt.Sprintf(", Reason: %d", info.EndReason)
		}
		if info.MaxConnRetrySet {
			line += fmt.Sprintf(", Retries: %d", info.MaxConnRetry)
		}
	}
	fmt.Println(line)
	return report.State
}

func BTScanOnly(adapter *bluetooth.Adapter) error {
	fmt.Println("Scanning for bluetooth devices...")

	seen := make(map[string]bool)
	var err error
	go func() {
		err = adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if device.LocalName() != "" {
					if seen[device.Address.String()] {
						return
					}
					seen[device.Address.String()] = true
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()

	time.Sleep(time.Minute)
	err2 := adapter.StopScan()
	return errors.Join(err, err2)
}

func BTScan(adapter *bluetooth.Adapter) (bluetooth.Address, error) {
	fmt.Printf("Searching for device name that includes filter string: %s\n", opts.BTFilter)
	fmt.Println("Scanning...")

	ch := make(chan bluetooth.ScanResult, 1)

	go func() {
		err := adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if strings.Contains(device.LocalName(), opts.BTFilter) {
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
					select {
					case ch <- device:
					default:
					}
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()

	var addr bluetooth.Address
	var good bool

	select {
	case result := <-ch:
		good = true
		addr = result.Address
	case <-time.After(time.Second * 30):
	}
	err := adapter.StopScan()
	if !good {
		return addr, errors.Join(err, fmt.Errorf("failed to find device matching filter: %s", opts.BTFilter))
	}

	return addr, err
}
