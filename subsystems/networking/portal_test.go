package networking

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func newPortalHarness(t *testing.T) (*testHarness, string) {
	t.Helper()
	h := newTestHarness(t, hotspotConfig())
	h.driver.scan = []NetworkInfo{{Type: NetworkTypeWifi, SSID: "Neighbor", Signal: 80, RSSI: -60}}
	_, err := h.n.StartNetwork(context.Background())
	test.That(t, err, test.ShouldBeNil)
	return h, "http://" + h.n.webAddr.String()
}

func getPage(t *testing.T, addr string) string {
	t.Helper()
	//nolint:noctx
	resp, err := http.Get(addr)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	return string(body)
}

func TestPortalIndex(t *testing.T) {
	_, addr := newPortalHarness(t)
	page := getPage(t, addr)
	test.That(t, page, test.ShouldContainSubstring, "Neighbor")
	test.That(t, page, test.ShouldContainSubstring, "netprov")
}

func TestPortalSave(t *testing.T) {
	h, addr := newPortalHarness(t)

	//nolint:noctx
	resp, err := http.PostForm(addr+"/save", url.Values{"ssid": {"Home"}, "password": {"password1"}})
	test.That(t, err, test.ShouldBeNil)
	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	// the redirect lands on the index, which shows the banner once
	test.That(t, string(body), test.ShouldContainSubstring, "Added credentials for SSID: Home")
	test.That(t, getPage(t, addr), test.ShouldNotContainSubstring, "Added credentials")

	saved, err := h.store.SsidList()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldResemble, []Credential{{SSID: "Home", Password: "password1"}})
	test.That(t, h.n.PendingRestart(), test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, h.restarter.count(), test.ShouldEqual, 1)
	})

	// a second save is stored without scheduling another restart
	//nolint:noctx
	resp, err = http.PostForm(addr+"/save", url.Values{"ssid": {"Work"}, "password": {""}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	saved, err = h.store.SsidList()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldHaveLength, 2)
	test.That(t, saved[0].SSID, test.ShouldEqual, "Work")
	test.That(t, h.restarter.count(), test.ShouldEqual, 1)
}

func TestPortalSaveRejected(t *testing.T) {
	h, addr := newPortalHarness(t)

	//nolint:noctx
	resp, err := http.PostForm(addr+"/save", url.Values{"ssid": {"Home"}, "password": {"short"}})
	test.That(t, err, test.ShouldBeNil)
	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, string(body), test.ShouldContainSubstring, ErrBadPassword.Error())

	saved, err := h.store.SsidList()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldBeEmpty)
	test.That(t, h.n.PendingRestart(), test.ShouldBeFalse)
}

func TestPortalSaveIgnoresGet(t *testing.T) {
	h, addr := newPortalHarness(t)
	getPage(t, addr+"/save?ssid=Home&password=password1")

	saved, err := h.store.SsidList()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldBeEmpty)
}

func TestSaveProvidedCredentialsValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		cred Credential
		err  string
	}{
		{"empty ssid", Credential{Password: "password1"}, ErrNoSSID.Error()},
		{"long ssid", Credential{SSID: strings.Repeat("a", maxSSIDLen+1)}, "longer than"},
		{"short password", Credential{SSID: "Home", Password: "1234567"}, ErrBadPassword.Error()},
		{"long password", Credential{SSID: "Home", Password: strings.Repeat("p", maxPasswordLen+1)}, ErrBadPassword.Error()},
		{"open network", Credential{SSID: "Home"}, ""},
		{"max length", Credential{SSID: strings.Repeat("a", maxSSIDLen), Password: strings.Repeat("p", maxPasswordLen)}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t, hotspotConfig())
			err := h.n.saveProvidedCredentials(tc.cred)
			if tc.err == "" {
				test.That(t, err, test.ShouldBeNil)
				test.That(t, h.n.PendingRestart(), test.ShouldBeTrue)
				h.n.workers.Wait()
				test.That(t, h.restarter.count(), test.ShouldEqual, 1)
			} else {
				test.That(t, err, test.ShouldNotBeNil)
				test.That(t, err.Error(), test.ShouldContainSubstring, tc.err)
			}
		})
	}
}
