// Command blufi-client is a test client for netprov provisioning. It plays the phone's part,
// either over BLE (BluFi) or against the hotspot's GRPC service.
package main

import "go.viam.com/rdk/logging"

func main() {
	if !parseOpts() {
		return
	}

	// using the logger because it handily unwraps errors for us
	logger := logging.NewDebugLogger("blufi-client")

	if opts.BTScan || opts.BTMode {
		if err := btClient(logger); err != nil {
			logger.Error(err)
		}
	} else {
		if err := grpcClient(); err != nil {
			logger.Error(err)
		}
	}
}
