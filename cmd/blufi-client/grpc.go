package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/viamrobotics/netprov/subsystems/networking"
	pb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func grpcClient() error {
	ctx := context.Background()

	conn, err := grpc.NewClient(opts.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer func() {
		err := conn.Close()
		if err != nil {
			fmt.Println(err)
		}
	}()

	client := pb.NewProvisioningServiceClient(conn)

	if opts.Status {
		if err := GetStatus(ctx, client); err != nil {
			return err
		}
	}

	if opts.Networks {
		if err := GetNetworks(ctx, client); err != nil {
			return err
		}
	}

	if opts.WifiSSID != "" {
		return SetWifiCreds(ctx, client, opts.WifiSSID, opts.WifiPSK)
	}

	return nil
}

func GetStatus(ctx context.Context, client pb.ProvisioningServiceClient) error {
	resp, err := client.GetSmartMachineStatus(ctx, &pb.GetSmartMachineStatusRequest{})
	if err != nil {
		return err
	}

	fmt.Printf("Version: %s, Online: %t, Configured: %t, Provisioning: %v, Last: %v, Errors: %s\n",
		resp.GetAgentVersion(),
		resp.GetIsOnline(),
		resp.GetHasSmartMachineCredentials(),
		resp.GetProvisioningInfo(),
		resp.GetLatestConnectionAttempt(),
		strings.Join(resp.GetErrors(), "\n"),
	)
	return nil
}

func GetNetworks(ctx context.Context, client pb.ProvisioningServiceClient) error {
	resp, err := client.GetNetworkList(ctx, &pb.GetNetworkListRequest{})
	if err != nil {
		return err
	}

	for _, network := range resp.GetNetworks() {
		fmt.Printf("SSID: %s, Signal: %d%%, Security: %s\n", network.GetSsid(), network.GetSignal(), network.GetSecurity())
	}
	return nil
}

func SetWifiCreds(ctx context.Context, client pb.ProvisioningServiceClient, ssid, psk string) error {
	req := &pb.SetNetworkCredentialsRequest{
		Type: networking.NetworkTypeWifi,
		Ssid: ssid,
		Psk:  psk,
	}

	_, err := client.SetNetworkCredentials(ctx, req)
	return err
}
