package main

import (
	"bytes"
	"fmt"

	"github.com/jessevdk/go-flags"
)

var opts struct {
	BTMode   bool   `description:"Bluetooth (BluFi) Mode" long:"bluetooth"                           short:"b"`
	BTScan   bool   `description:"Bluetooth Scan"         long:"scan"`
	BTFilter string `default:"netprov"                    description:"Bluetooth Device Name Prefix" long:"filter" short:"f"`

	NoSecurity   bool `description:"Skip the DH key exchange (device must run with blufi_security: none)" long:"no-security"`
	FragmentSize int  `default:"20"                                                                       description:"Maximum bytes per BluFi frame" long:"fragment-size"`

	Address string `description:"GRPC address/port to dial (ex: '10.42.0.1:4772')" long:"address" short:"a"`

	WifiSSID string `description:"SSID to set"           long:"wifi-ssid"`
	WifiPSK  string `description:"PSK/Password for wifi" long:"wifi-psk"`

	Disconnect bool `description:"Ask the device to drop its wifi connection" long:"disconnect"`

	Status   bool `description:"Get device status"      long:"status"   short:"s"`
	Networks bool `description:"List networks"          long:"networks" short:"n"`
	Version  bool `description:"Get BluFi version"      long:"version"  short:"v"`
	Help     bool `description:"Show this help message" long:"help"     short:"h"`
}

func parseOpts() bool {
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "provisions wifi credentials on a netprov device over BluFi or the hotspot GRPC service."

	_, err := parser.Parse()
	if err != nil {
		panic(err)
	}

	if !opts.BTScan && !opts.BTMode &&
		(opts.Address == "" || (opts.WifiSSID == "" && !opts.Networks && !opts.Status)) {
		opts.Help = true
	}

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)

		fmt.Println(b.String())
		return false
	}

	if opts.WifiPSK != "" && opts.WifiSSID == "" {
		fmt.Println("Error: --wifi-psk requires --wifi-ssid")
		return false
	}

	return true
}
