package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	ProvisioningModeHotspot   = "hotspot"
	ProvisioningModeBluetooth = "bluetooth"

	BlufiSecurityNone = "none"
	BlufiSecurityDH   = "dh"

	// BLE advertisements only have room for a short local name.
	maxDeviceNameLen = 29

	// A fragment plus its 2-byte length header must fit the frame's one-byte length field.
	minBlufiFragmentSize = 16
	maxBlufiFragmentSize = 253
)

var (
	DefaultConfiguration = Config{
		AdvancedSettings{
			Debug:        Tribool(0),
			SettingsPath: "",
		},
		NetworkConfiguration{
			Manufacturer:             "viam",
			Model:                    "custom",
			DeviceName:               "netprov",
			HotspotInterface:         "",
			HotspotPrefix:            "netprov",
			HotspotPassword:          "",
			ProvisioningMode:         ProvisioningModeBluetooth,
			ConnectTimeout:           Timeout(time.Minute),
			BlufiSecurity:            BlufiSecurityDH,
			BlufiFragmentSize:        20,
			BlufiAdvertiseOnLinkLoss: Tribool(0),
			RestartAfterProvisioning: Tribool(0),
			WifiPowerSave:            Tribool(0),
			Language:                 "en-US",
		},
	}

	// Can be overwritten via cli arguments.
	ConfigFilePath = "/etc/netprov.json"
	CLIDebug       = false

	Languages = []string{"en-US", "zh-CN"}
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

type Config struct {
	AdvancedSettings     AdvancedSettings     `json:"advanced_settings,omitempty"`
	NetworkConfiguration NetworkConfiguration `json:"network_configuration,omitempty"`
}

type AdvancedSettings struct {
	Debug Tribool `json:"debug,omitempty"`
	// Where saved networks and the force-provisioning flag live. Defaults to <etc>/settings.json.
	SettingsPath string `json:"settings_path,omitempty"`
}

type NetworkConfiguration struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`

	// Advertised over BLE and reported as the board name.
	DeviceName string `json:"device_name,omitempty"`

	// The interface to use for hotspot/wifi management. Ex: "wlan0"
	// Defaults to the first discovered 802.11 device
	HotspotInterface string `json:"hotspot_interface,omitempty"`
	// The hotspot SSID is this prefix plus the last two bytes of the wifi MAC.
	HotspotPrefix string `json:"hotspot_prefix,omitempty"`
	// Empty for an open hotspot.
	HotspotPassword string `json:"hotspot_password,omitempty"`

	// Which configuration mode to fall back to: "hotspot" or "bluetooth".
	ProvisioningMode string `json:"provisioning_mode,omitempty"`

	// How long to wait for a saved network before entering configuration mode.
	ConnectTimeout Timeout `json:"connect_timeout,omitempty"`

	// "dh" for key negotiation and encryption, "none" for the passthrough stub.
	BlufiSecurity string `json:"blufi_security,omitempty"`
	// Maximum content bytes carried by one outbound BluFi frame.
	BlufiFragmentSize int `json:"blufi_fragment_size,omitempty"`
	// Restart BLE advertising whenever the wifi link drops and no phone is attached.
	BlufiAdvertiseOnLinkLoss Tribool `json:"blufi_advertise_on_link_loss,omitempty"`

	// Restart the device automatically once new credentials get an IP.
	RestartAfterProvisioning Tribool `json:"restart_after_provisioning,omitempty"`

	// If set, will explicitly enable or disable power save for all wifi connections managed by NetworkManager.
	WifiPowerSave Tribool `json:"wifi_power_save,omitempty"`

	Language string `json:"language,omitempty"`
}

// DefaultConfig returns a deep copy of the default configuration.
func DefaultConfig() Config {
	cfg := Config{}
	// round-trip to get a deep copy of the default config
	defBytes, err := json.Marshal(DefaultConfiguration)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(defBytes, &cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads a config file (json with comments, or yaml) stacked on top of the defaults.
// A missing file is not an error. Validation problems are returned alongside a usable config.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec
	cfgBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return validateConfig(cfg)
		}
		newCfg, newErr := validateConfig(cfg)
		return newCfg, errors.Join(errw.Wrapf(err, "reading %s", path), newErr)
	}

	jsonBytes, err := toJSON(path, cfgBytes)
	if err != nil {
		newCfg, newErr := validateConfig(cfg)
		return newCfg, errors.Join(err, newErr)
	}

	if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
		newCfg, newErr := validateConfig(DefaultConfig())
		return newCfg, errors.Join(errw.Wrapf(err, "parsing %s", path), newErr)
	}

	return validateConfig(cfg)
}

func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw := map[string]any{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errw.Wrapf(err, "parsing %s", path)
		}
		out, err := json.Marshal(raw)
		if err != nil {
			return nil, errw.Wrapf(err, "converting %s", path)
		}
		return out, nil
	default:
		return jsonc.ToJSON(data), nil
	}
}

// ApplyCLIArgs overrides config values with those given on the command line.
func ApplyCLIArgs(cfg Config) Config {
	if CLIDebug {
		cfg.AdvancedSettings.Debug = 1
	}
	return cfg
}

func validateConfig(cfg Config) (Config, error) {
	var errOut error
	def := DefaultConfiguration.NetworkConfiguration
	nc := &cfg.NetworkConfiguration

	if cfg.AdvancedSettings.SettingsPath == "" {
		cfg.AdvancedSettings.SettingsPath = filepath.Join(Dirs.Etc, "settings.json")
	}

	if nc.Manufacturer == "" {
		nc.Manufacturer = def.Manufacturer
		errOut = errors.Join(errOut, errw.New("network_configuration.manufacturer should not be empty, please omit empty fields entirely"))
	}
	if nc.Model == "" {
		nc.Model = def.Model
		errOut = errors.Join(errOut, errw.New("network_configuration.model should not be empty, please omit empty fields entirely"))
	}
	if nc.DeviceName == "" {
		nc.DeviceName = def.DeviceName
		errOut = errors.Join(errOut, errw.New("network_configuration.device_name should not be empty, please omit empty fields entirely"))
	}
	if len(nc.DeviceName) > maxDeviceNameLen {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.device_name is being truncated to %d characters", maxDeviceNameLen))
		nc.DeviceName = nc.DeviceName[:maxDeviceNameLen]
	}
	if nc.HotspotPrefix == "" {
		nc.HotspotPrefix = def.HotspotPrefix
		errOut = errors.Join(errOut,
			errw.New("network_configuration.hotspot_prefix should not be empty, please omit empty fields entirely"))
	}
	// prefix + "-" + 4 hex digits must fit in an SSID
	if len(nc.HotspotPrefix) > 27 {
		errOut = errors.Join(errOut, errw.New("network_configuration.hotspot_prefix is being truncated to 27 characters"))
		nc.HotspotPrefix = nc.HotspotPrefix[:27]
	}
	if nc.HotspotPassword != "" && (len(nc.HotspotPassword) < 8 || len(nc.HotspotPassword) > 63) {
		errOut = errors.Join(errOut, errw.New("network_configuration.hotspot_password must be between 8 and 63 characters, or empty"))
		nc.HotspotPassword = def.HotspotPassword
	}

	if nc.ProvisioningMode != ProvisioningModeHotspot && nc.ProvisioningMode != ProvisioningModeBluetooth {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.provisioning_mode must be %q or %q (was: %q)",
			ProvisioningModeHotspot, ProvisioningModeBluetooth, nc.ProvisioningMode))
		nc.ProvisioningMode = def.ProvisioningMode
	}

	if time.Duration(nc.ConnectTimeout) < time.Second*10 {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.connect_timeout must be >= 10s (was: %s)",
			time.Duration(nc.ConnectTimeout)))
		nc.ConnectTimeout = def.ConnectTimeout
	}

	if nc.BlufiSecurity != BlufiSecurityNone && nc.BlufiSecurity != BlufiSecurityDH {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.blufi_security must be %q or %q (was: %q)",
			BlufiSecurityDH, BlufiSecurityNone, nc.BlufiSecurity))
		nc.BlufiSecurity = def.BlufiSecurity
	}

	if nc.BlufiFragmentSize < minBlufiFragmentSize || nc.BlufiFragmentSize > maxBlufiFragmentSize {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.blufi_fragment_size must be between %d and %d (was: %d)",
			minBlufiFragmentSize, maxBlufiFragmentSize, nc.BlufiFragmentSize))
		nc.BlufiFragmentSize = def.BlufiFragmentSize
	}

	var knownLang bool
	for _, lang := range Languages {
		if nc.Language == lang {
			knownLang = true
		}
	}
	if !knownLang {
		errOut = errors.Join(errOut, errw.Errorf("network_configuration.language must be one of %v (was: %q)", Languages, nc.Language))
		nc.Language = def.Language
	}

	return cfg, errOut
}

type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		// bare numbers are seconds
		*t = Timeout(value * float64(time.Second))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
