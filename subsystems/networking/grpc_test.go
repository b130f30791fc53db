package networking

import (
	"context"
	"testing"

	pb "go.viam.com/api/provisioning/v1"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newGRPCClient(t *testing.T, h *testHarness) pb.ProvisioningServiceClient {
	t.Helper()
	conn, err := grpc.NewClient(h.n.grpcAddr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, conn.Close(), test.ShouldBeNil)
	})
	return pb.NewProvisioningServiceClient(conn)
}

func TestGRPCProvisioning(t *testing.T) {
	h, _ := newPortalHarness(t)
	client := newGRPCClient(t, h)
	ctx := context.Background()

	status, err := client.GetSmartMachineStatus(ctx, &pb.GetSmartMachineStatusRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.GetProvisioningInfo().GetManufacturer(), test.ShouldEqual, "viam")
	test.That(t, status.GetProvisioningInfo().GetModel(), test.ShouldEqual, "custom")
	test.That(t, status.GetHasSmartMachineCredentials(), test.ShouldBeFalse)
	test.That(t, status.GetIsOnline(), test.ShouldBeFalse)
	test.That(t, status.GetLatestConnectionAttempt(), test.ShouldBeNil)

	list, err := client.GetNetworkList(ctx, &pb.GetNetworkListRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, list.GetNetworks(), test.ShouldHaveLength, 1)
	test.That(t, list.GetNetworks()[0].GetSsid(), test.ShouldEqual, "Neighbor")
	test.That(t, list.GetNetworks()[0].GetSignal(), test.ShouldEqual, 80)

	_, err = client.SetNetworkCredentials(ctx, &pb.SetNetworkCredentialsRequest{
		Type: NetworkTypeWifi,
		Ssid: "Home",
		Psk:  "password1",
	})
	test.That(t, err, test.ShouldBeNil)

	saved, err := h.store.SsidList()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldResemble, []Credential{{SSID: "Home", Password: "password1"}})

	status, err = client.GetSmartMachineStatus(ctx, &pb.GetSmartMachineStatusRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.GetHasSmartMachineCredentials(), test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, h.restarter.count(), test.ShouldEqual, 1)
	})
}

func TestGRPCRejectsBadCredentials(t *testing.T) {
	h, _ := newPortalHarness(t)
	client := newGRPCClient(t, h)
	ctx := context.Background()

	_, err := client.SetNetworkCredentials(ctx, &pb.SetNetworkCredentialsRequest{Type: "ethernet", Ssid: "Home"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = client.SetNetworkCredentials(ctx, &pb.SetNetworkCredentialsRequest{Type: NetworkTypeWifi, Ssid: "Home", Psk: "short"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ErrBadPassword.Error())

	// the error is reported once, then cleared
	status, err := client.GetSmartMachineStatus(ctx, &pb.GetSmartMachineStatusRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.GetErrors(), test.ShouldHaveLength, 1)
	status, err = client.GetSmartMachineStatus(ctx, &pb.GetSmartMachineStatusRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.GetErrors(), test.ShouldBeEmpty)
	test.That(t, h.n.PendingRestart(), test.ShouldBeFalse)
}
