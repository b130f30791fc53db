package networking

import (
	"testing"

	"go.viam.com/test"
)

func TestDedupeNetworks(t *testing.T) {
	nets := []NetworkInfo{
		{SSID: "B", Signal: 40},
		{SSID: "A", Signal: 60},
		{SSID: "", Signal: 99},
		{SSID: "B", Signal: 70},
		{SSID: "C", Signal: 60},
	}
	out := dedupeNetworks(nets)
	test.That(t, out, test.ShouldResemble, []NetworkInfo{
		{SSID: "B", Signal: 70},
		{SSID: "A", Signal: 60},
		{SSID: "C", Signal: 60},
	})
}

func TestOrderCandidates(t *testing.T) {
	saved := []Credential{
		{SSID: "Hidden"},
		{SSID: "Weak"},
		{SSID: "Strong"},
		{SSID: "Gone"},
	}
	visible := []NetworkInfo{
		{SSID: "Weak", Signal: 20},
		{SSID: "Strong", Signal: 90},
		{SSID: "Weak", Signal: 30},
		{SSID: "Stranger", Signal: 100},
	}
	test.That(t, orderCandidates(saved, visible), test.ShouldResemble, []Credential{
		{SSID: "Strong"},
		{SSID: "Weak"},
		{SSID: "Hidden"},
		{SSID: "Gone"},
	})

	test.That(t, orderCandidates(saved[:1], nil), test.ShouldResemble, []Credential{{SSID: "Hidden"}})
}

func TestChannelFromFrequency(t *testing.T) {
	for _, tc := range []struct {
		freq    uint32
		channel int
	}{
		{2412, 1},
		{2437, 6},
		{2472, 13},
		{2484, 14},
		{5180, 36},
		{5745, 149},
		{5975, 5},
		{900, 0},
	} {
		test.That(t, channelFromFrequency(tc.freq), test.ShouldEqual, tc.channel)
	}
}

func TestSignalToRSSI(t *testing.T) {
	test.That(t, signalToRSSI(0), test.ShouldEqual, -100)
	test.That(t, signalToRSSI(80), test.ShouldEqual, -60)
	test.That(t, signalToRSSI(100), test.ShouldEqual, -50)
	test.That(t, signalToRSSI(200), test.ShouldEqual, -50)
}
