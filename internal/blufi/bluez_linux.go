package blufi

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/utils"
	"go.viam.com/rdk/logging"
)

const bluezConfigPath = "/etc/bluetooth/main.conf"

var (
	sectionRegex = regexp.MustCompile(`^\s*(#|//)?\s*\[(\w+)\]`)
	kvRegex      = regexp.MustCompile(`^\s*(#|//)?\s*(\w+)\s*=\s*(\w+)`)
	versionRegex = regexp.MustCompile(`([0-9]+\.[0-9]+)`)
)

// checkBluetoothdVersion only warns; older daemons mostly work.
func checkBluetoothdVersion(ctx context.Context, logger logging.Logger) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	output, err := exec.CommandContext(timeoutCtx, "bluetoothctl", "--version").CombinedOutput()
	if err != nil {
		logger.Warnf("running 'bluetoothctl --version' failed: %s", strings.TrimSpace(string(output)))
		return
	}
	matches := versionRegex.FindSubmatch(output)
	if len(matches) != 2 {
		logger.Warnf("cannot parse bluetoothctl version from %q", output)
		return
	}
	sv, err := semver.NewVersion(string(matches[1]))
	if err != nil {
		logger.Warn(err)
		return
	}
	if !sv.GreaterThanEqual(semver.MustParse("5.50")) {
		logger.Warnf("bluetooth version %s is less than 5.50, BLE provisioning may not work", sv)
	}
}

// parseSection returns the section name on a "[Name]" line.
func parseSection(line string) (name string, commented bool) {
	m := sectionRegex.FindStringSubmatch(line)
	if len(m) != 3 {
		return "", false
	}
	return m[2], m[1] != ""
}

func parseKeyValue(line string) (key, value string, commented bool) {
	m := kvRegex.FindStringSubmatch(line)
	if len(m) != 4 {
		return "", "", false
	}
	return m[2], m[3], m[1] != ""
}

// rewriteBluezConfig makes sure the [General] section lets phones attach without
// bonding prompts. It returns the (possibly unchanged) file contents.
func rewriteBluezConfig(content string) string {
	required := []struct{ key, value string }{
		{"ReverseServiceDiscovery", "false"},
		{"JustWorksRepairing", "always"},
	}
	found := make(map[string]bool, len(required))

	appendMissing := func(out []string) []string {
		var missing []string
		for _, r := range required {
			if !found[r.key] {
				missing = append(missing, r.key+" = "+r.value)
			}
		}
		if len(missing) == 0 {
			return out
		}
		out = append(out, "", "# netprov requirements for BLE provisioning")
		out = append(out, missing...)
		return append(out, "")
	}

	var out []string
	var inGeneral, sawGeneral bool
	for _, line := range strings.Split(content, "\n") {
		if name, commented := parseSection(line); name != "" && !commented {
			if inGeneral {
				out = appendMissing(out)
			}
			inGeneral = name == "General"
			sawGeneral = sawGeneral || inGeneral
			out = append(out, line)
			continue
		}
		if inGeneral {
			key, value, commented := parseKeyValue(line)
			if !commented {
				for _, r := range required {
					if key == r.key {
						found[key] = true
						if value != r.value {
							line = r.key + " = " + r.value
						}
					}
				}
			}
		}
		out = append(out, line)
	}

	switch {
	case inGeneral:
		out = appendMissing(out)
	case !sawGeneral:
		out = append(out, "[General]")
		out = appendMissing(out)
	}
	return strings.Join(out, "\n")
}

func ensureBluezConfiguration(ctx context.Context, logger logging.Logger) error {
	//nolint:gosec
	content, err := os.ReadFile(bluezConfigPath)
	if err != nil {
		return errw.Wrapf(err, "reading %s", bluezConfigPath)
	}

	isNew, err := utils.WriteFileIfNew(bluezConfigPath, []byte(rewriteBluezConfig(string(content))))
	if err != nil {
		return errw.Wrapf(err, "writing %s", bluezConfigPath)
	}
	if !isNew {
		logger.Debug("no changes to bluetooth configuration needed")
		return nil
	}

	logger.Infof("updated bluetooth configuration %s", bluezConfigPath)
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	if output, err := exec.CommandContext(timeoutCtx, "systemctl", "restart", "bluetooth").CombinedOutput(); err != nil {
		return errw.Wrapf(err, "restarting bluetooth: %s", string(output))
	}
	logger.Info("restarted bluetooth service")
	return nil
}
