package networking

import (
	"context"
	"errors"
	"net"
	"strconv"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/utils"
	pb "go.viam.com/api/provisioning/v1"
	"google.golang.org/grpc"
)

func (n *Networking) startGRPC() error {
	bind := net.JoinHostPort(n.portalAddr, strconv.Itoa(n.grpcPort))
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return errw.Wrapf(err, "listening on: %s", bind)
	}

	server := grpc.NewServer(grpc.WaitForHandlers(true))
	pb.RegisterProvisioningServiceServer(server, n)
	n.dataMu.Lock()
	n.grpcServer = server
	n.grpcAddr = lis.Addr()
	n.dataMu.Unlock()

	n.workers.Add(1)
	go func() {
		defer utils.Recover(n.logger, nil)
		defer n.workers.Done()
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Warn(err)
		}
	}()
	return nil
}

func (n *Networking) GetSmartMachineStatus(ctx context.Context,
	req *pb.GetSmartMachineStatusRequest,
) (*pb.GetSmartMachineStatusResponse, error) {
	cfg := n.Config()
	ret := &pb.GetSmartMachineStatusResponse{
		ProvisioningInfo: &pb.ProvisioningInfo{
			Model:        cfg.Model,
			Manufacturer: cfg.Manufacturer,
		},
		HasSmartMachineCredentials: n.PendingRestart(),
		IsOnline:                   n.driver.IsConnected(),
		Errors:                     n.errors.Strings(),
		AgentVersion:               utils.GetVersion(),
	}

	if ssid := n.driver.StationConfig().SSID; ssid != "" {
		ret.LatestConnectionAttempt = NetworkInfoToProto(&NetworkInfo{
			Type:      NetworkTypeWifi,
			SSID:      ssid,
			Connected: n.driver.IsConnected(),
		})
	}

	// reset the errors, as they were now just displayed
	n.errors.Clear()

	return ret, nil
}

func (n *Networking) SetNetworkCredentials(ctx context.Context,
	req *pb.SetNetworkCredentialsRequest,
) (*pb.SetNetworkCredentialsResponse, error) {
	if req.GetType() != NetworkTypeWifi {
		return nil, errw.Errorf("unknown network type: %s, only %s currently supported", req.GetType(), NetworkTypeWifi)
	}

	if err := n.saveProvidedCredentials(Credential{SSID: req.GetSsid(), Password: req.GetPsk()}); err != nil {
		n.errors.Add(err)
		return nil, err
	}
	return &pb.SetNetworkCredentialsResponse{}, nil
}

func (n *Networking) GetNetworkList(ctx context.Context,
	req *pb.GetNetworkListRequest,
) (*pb.GetNetworkListResponse, error) {
	visibleNetworks := n.getScanned()

	networks := make([]*pb.NetworkInfo, len(visibleNetworks))
	for i, net := range visibleNetworks {
		networks[i] = NetworkInfoToProto(&net)
	}

	return &pb.GetNetworkListResponse{Networks: networks}, nil
}
