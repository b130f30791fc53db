package networking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(context.Background(), logging.NewTestLogger(t), utils.DefaultConfig(), Deps{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestForceFlagConsumed(t *testing.T) {
	h := newTestHarness(t, bleConfig(), Credential{SSID: "Home", Password: "password1"})
	test.That(t, h.store.SetInt(NamespaceWifi, KeyForceAP, 1), test.ShouldBeNil)

	n := h.build(t, bleConfig())
	test.That(t, n.forceConfig, test.ShouldBeTrue)

	force, err := h.store.GetInt(NamespaceWifi, KeyForceAP)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, force, test.ShouldEqual, 0)

	state, err := n.StartNetwork(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateHalted)
	test.That(t, n.Mode(), test.ShouldEqual, ModeConfigBle)
	// saved networks are not tried when configuration was forced
	test.That(t, h.driver.startCalls, test.ShouldEqual, 0)

	// the next boot sees the cleared flag
	n2 := h.build(t, bleConfig())
	test.That(t, n2.forceConfig, test.ShouldBeFalse)
}

func TestStartNetworkDirectConnect(t *testing.T) {
	t.Run("connects to saved network", func(t *testing.T) {
		h := newTestHarness(t, bleConfig(), Credential{SSID: "Home", Password: "password1"})
		h.driver.waitResult = true

		state, err := h.n.StartNetwork(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, StateConnected)
		test.That(t, h.n.State(), test.ShouldEqual, StateConnected)
		test.That(t, h.n.Mode(), test.ShouldEqual, ModeStation)
		test.That(t, h.driver.startSaved, test.ShouldResemble, []Credential{{SSID: "Home", Password: "password1"}})
		test.That(t, h.driver.stops, test.ShouldEqual, 0)
		test.That(t, h.notifier.notifications, test.ShouldResemble, []string{
			"Scanning WiFi...",
			"Connect to Home...",
			"Connected to Home",
		})
	})

	t.Run("timeout falls back to configuration", func(t *testing.T) {
		h := newTestHarness(t, bleConfig(), Credential{SSID: "Home", Password: "password1"})

		state, err := h.n.StartNetwork(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, StateHalted)
		test.That(t, h.n.Mode(), test.ShouldEqual, ModeConfigBle)
		test.That(t, h.driver.stops, test.ShouldEqual, 1)
		test.That(t, h.driver.stationStarts, test.ShouldEqual, 1)
		// scans for the BluFi wifi list must not show boot progress
		test.That(t, h.driver.callbacksCleared(), test.ShouldBeTrue)
	})

	t.Run("no saved networks skips connecting", func(t *testing.T) {
		h := newTestHarness(t, bleConfig())

		state, err := h.n.StartNetwork(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, StateHalted)
		test.That(t, h.driver.startCalls, test.ShouldEqual, 0)
		h.drain()
		test.That(t, h.driver.connectCount(), test.ShouldEqual, 0)
		test.That(t, h.transport.advertiseStarts(), test.ShouldEqual, 1)
	})

	t.Run("canceled context", func(t *testing.T) {
		h := newTestHarness(t, bleConfig(), Credential{SSID: "Home", Password: "password1"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.n.StartNetwork(ctx)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		test.That(t, h.n.State(), test.ShouldEqual, StateDirectConnect)
	})
}

func TestEnterHotspotMode(t *testing.T) {
	h := newTestHarness(t, hotspotConfig())
	h.driver.scan = []NetworkInfo{{Type: NetworkTypeWifi, SSID: "Neighbor", Signal: 60, RSSI: -70}}

	state, err := h.n.StartNetwork(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, StateHalted)
	test.That(t, h.n.Mode(), test.ShouldEqual, ModeConfigAccessPoint)
	test.That(t, h.hotspot.ssid, test.ShouldEqual, "netprov-EEFF")
	test.That(t, h.hotspot.psk, test.ShouldEqual, "")
	test.That(t, h.n.getScanned(), test.ShouldHaveLength, 1)
	test.That(t, h.notifier.alerts, test.ShouldHaveLength, 1)
	test.That(t, h.notifier.alerts[0].sound, test.ShouldEqual, alertSound)
	test.That(t, h.notifier.alerts[0].message, test.ShouldContainSubstring, "netprov-EEFF")
	test.That(t, h.n.webAddr, test.ShouldNotBeNil)
	test.That(t, h.n.grpcAddr, test.ShouldNotBeNil)
}

func TestEnterBleMode(t *testing.T) {
	t.Run("preloads newest saved network", func(t *testing.T) {
		h := newTestHarness(t, bleConfig(),
			Credential{SSID: "Newest", Password: "password1"},
			Credential{SSID: "Older", Password: "password2"},
		)
		test.That(t, h.store.SetInt(NamespaceWifi, KeyForceAP, 1), test.ShouldBeNil)
		n := h.build(t, bleConfig())

		_, err := n.StartNetwork(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, h.driver.StationConfig().SSID, test.ShouldEqual, "Newest")
		test.That(t, h.transport.started, test.ShouldBeTrue)
		test.That(t, h.notifier.alerts[0].message, test.ShouldContainSubstring, "netprov")
	})

	t.Run("transport failure", func(t *testing.T) {
		h := newTestHarness(t, bleConfig())
		h.transport.startErr = errors.New("no adapter")

		_, err := h.n.StartNetwork(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no adapter")
		test.That(t, h.n.State(), test.ShouldEqual, StateConfigMode)
	})
}

func TestResetWifiConfiguration(t *testing.T) {
	h := newTestHarness(t, bleConfig())

	test.That(t, h.n.ResetWifiConfiguration(context.Background()), test.ShouldBeNil)
	test.That(t, h.n.ResetWifiConfiguration(context.Background()), test.ShouldBeNil)

	force, err := h.store.GetInt(NamespaceWifi, KeyForceAP)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, force, test.ShouldEqual, 1)
	test.That(t, h.notifier.notifications[0], test.ShouldEqual, "Entering Wi-Fi configuration mode...")
	test.That(t, h.sleeper.recorded()[0], test.ShouldEqual, time.Second)
	test.That(t, h.restarter.count(), test.ShouldEqual, 1)
}

func TestModeFixedOnce(t *testing.T) {
	m := newMachineState(logging.NewTestLogger(t))
	test.That(t, m.setMode(ModeConfigBle), test.ShouldBeNil)
	test.That(t, m.setMode(ModeStation), test.ShouldEqual, ErrModeAlreadySet)
	test.That(t, m.getMode(), test.ShouldEqual, ModeConfigBle)
	test.That(t, m.configMode(), test.ShouldBeTrue)
}

func TestStateTransitions(t *testing.T) {
	for _, tc := range []struct {
		from, to State
		valid    bool
	}{
		{StateBoot, StateDirectConnect, true},
		{StateBoot, StateConfigMode, true},
		{StateBoot, StateConnected, false},
		{StateDirectConnect, StateConnected, true},
		{StateDirectConnect, StateConfigMode, true},
		{StateConfigMode, StateHalted, true},
		{StateConfigMode, StateConnected, false},
		{StateConnected, StateConfigMode, false},
		{StateHalted, StateBoot, false},
	} {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			err := checkTransition(tc.from, tc.to)
			if tc.valid {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, errors.Is(err, ErrInvalidTransition), test.ShouldBeTrue)
			}
		})
	}
}

func TestHotspotSSID(t *testing.T) {
	ssid, err := hotspotSSID("netprov", "12:34:56:78:9a:bc")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ssid, test.ShouldEqual, "netprov-9ABC")

	_, err = hotspotSSID("netprov", "garbage")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUpdate(t *testing.T) {
	h := newTestHarness(t, bleConfig())

	test.That(t, h.n.Update(context.Background(), bleConfig()), test.ShouldBeFalse)

	cfg := bleConfig()
	cfg.NetworkConfiguration.Language = "zh-CN"
	test.That(t, h.n.Update(context.Background(), cfg), test.ShouldBeFalse)
	test.That(t, h.n.Config().Language, test.ShouldEqual, "zh-CN")

	cfg = bleConfig()
	cfg.NetworkConfiguration.ProvisioningMode = utils.ProvisioningModeHotspot
	test.That(t, h.n.Update(context.Background(), cfg), test.ShouldBeTrue)
}

func TestStartStop(t *testing.T) {
	h := newTestHarness(t, bleConfig(), Credential{SSID: "Home", Password: "password1"})
	h.driver.waitResult = true
	ctx := context.Background()

	test.That(t, h.n.HealthCheck(ctx), test.ShouldBeNil)
	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	// second start is a no-op
	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	test.That(t, h.n.State(), test.ShouldEqual, StateConnected)
	test.That(t, h.n.HealthCheck(ctx), test.ShouldBeNil)

	test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	test.That(t, h.n.HealthCheck(ctx), test.ShouldBeNil)
}

func TestStopClosesTransport(t *testing.T) {
	h := newTestHarness(t, bleConfig())
	ctx := context.Background()

	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	test.That(t, h.n.State(), test.ShouldEqual, StateHalted)
	test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	test.That(t, h.transport.closed, test.ShouldBeTrue)
}

func TestStopStartReentersProvisioning(t *testing.T) {
	h := newTestHarness(t, bleConfig())
	ctx := context.Background()

	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	test.That(t, h.n.State(), test.ShouldEqual, StateHalted)
	test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	test.That(t, h.transport.isClosed(), test.ShouldBeTrue)

	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	}()
	test.That(t, h.n.State(), test.ShouldEqual, StateHalted)
	test.That(t, h.n.Mode(), test.ShouldEqual, ModeConfigBle)
	test.That(t, h.transport.created, test.ShouldEqual, 2)
	test.That(t, h.transport.isClosed(), test.ShouldBeFalse)
	test.That(t, h.n.HealthCheck(ctx), test.ShouldBeNil)
}

func TestHealthCheckReportsStartFailure(t *testing.T) {
	h := newTestHarness(t, bleConfig())
	h.transport.startErr = errors.New("no adapter")
	ctx := context.Background()

	test.That(t, h.n.Start(ctx), test.ShouldNotBeNil)
	test.That(t, h.n.HealthCheck(ctx), test.ShouldNotBeNil)

	h.transport.mu.Lock()
	h.transport.startErr = nil
	h.transport.mu.Unlock()

	test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	}()
	test.That(t, h.n.State(), test.ShouldEqual, StateHalted)
	test.That(t, h.n.HealthCheck(ctx), test.ShouldBeNil)
}

func TestHeartbeatUnhealthy(t *testing.T) {
	h := newTestHarness(t, bleConfig())
	ctx := context.Background()
	test.That(t, h.n.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, h.n.Stop(ctx), test.ShouldBeNil)
	}()

	h.n.heartbeatHealth.Timeout = 0
	test.That(t, h.n.HealthCheck(ctx), test.ShouldNotBeNil)
}
