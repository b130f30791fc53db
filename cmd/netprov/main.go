package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"github.com/viamrobotics/netprov/subsystems/networking"
	"github.com/viamrobotics/netprov/utils"
	"github.com/viamrobotics/netprov/utils/systemd"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger("netprov")
)

//nolint:lll
type netprovOpts struct {
	Config  string `default:"/etc/netprov.json"                         description:"Path to config file (json or yaml)" long:"config"   short:"c"`
	Debug   bool   `description:"Enable debug logging"                  env:"NETPROV_DEBUG"                              long:"debug"    short:"d"`
	Help    bool   `description:"Show this help message"                long:"help"                                      short:"h"`
	Version bool   `description:"Show version"                          long:"version"                                   short:"v"`
	Install bool   `description:"Install systemd service"               long:"install"`
	Reset   bool   `description:"Forget the current network and reboot into provisioning" long:"reset"`
	DevMode bool   `description:"Allow non-root and non-service"        env:"NETPROV_DEVMODE"                            long:"dev-mode"`
}

func main() {
	ctx, cancel, reload := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts netprovOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "runs as a background service and provisions wifi over bluetooth (BluFi) or a hotspot portal."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return
	}

	utils.CLIDebug = opts.Debug
	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	// need to be root to go any further than this
	curUser, err := user.Current()
	exitIfError(err)
	if runtime.GOOS != "windows" && curUser.Uid != "0" && !opts.DevMode {
		//nolint:forbidigo
		fmt.Printf("netprov must be run as root (uid 0), but current user is %s (uid %s)\n", curUser.Username, curUser.Uid)
		return
	}

	if opts.Install {
		exitIfError(install(ctx))
		return
	}

	// set up folder structure
	exitIfError(utils.InitPaths())

	// use a lockfile to prevent running two instances on the same machine
	pidFile, err := getLock()
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	cfg := loadConfig(opts.Config)

	globalLogger.Infof("netprov Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	nw, err := newNetworking(ctx, globalLogger.Sublogger(networking.SubsysName), cfg)
	exitIfError(err)

	if opts.Reset {
		exitIfError(nw.ResetWifiConfiguration(ctx))
		return
	}

	if err := nw.Start(ctx); err != nil {
		globalLogger.Error(err)
	}

	runHealthChecks(ctx, nw, opts.Config, reload)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second*30)
	defer stopCancel()
	if err := nw.Stop(stopCtx); err != nil {
		globalLogger.Error(err)
	}
}

func loadConfig(path string) utils.Config {
	absPath, err := filepath.Abs(path)
	if err != nil {
		globalLogger.Warn(errors.Wrapf(err, "resolving %s", path))
		absPath = path
	}
	cfg, err := utils.LoadConfig(absPath)
	if err != nil {
		globalLogger.Warn(errors.Wrapf(err, "loading %s, invalid values replaced with defaults", absPath))
	}
	cfg = utils.ApplyCLIArgs(cfg)
	if cfg.AdvancedSettings.Debug.Get() {
		globalLogger.SetLevel(logging.DEBUG)
	} else {
		globalLogger.SetLevel(logging.INFO)
	}
	return cfg
}

// runHealthChecks blocks until ctx ends, restarting the orchestrator when it stops responding.
// Config reloads (SIGHUP) are applied in place, or end the loop when they can only take effect on a fresh start.
func runHealthChecks(ctx context.Context, nw *networking.Networking, cfgPath string, reload <-chan struct{}) {
	timer := time.NewTimer(utils.HealthCheckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			globalLogger.Info("reloading config")
			if nw.Update(ctx, loadConfig(cfgPath)) {
				globalLogger.Info("config change requires a restart, exiting to await restart by systemd")
				return
			}
		case <-timer.C:
			timer.Reset(utils.HealthCheckTimeout)
			if err := nw.HealthCheck(ctx); err != nil {
				globalLogger.Warn(errors.Wrap(err, "health check failed"))
				restartNetworking(ctx, nw)
			}
			if board, err := nw.BoardJSON(); err == nil {
				globalLogger.Debugw("status", "board", board, "icon", nw.NetworkStateIcon())
			}
		}
	}
}

func restartNetworking(ctx context.Context, nw *networking.Networking) {
	if err := nw.Stop(ctx); err != nil {
		globalLogger.Error(err)
	}
	// give the radio a moment to settle between owners
	if !goutils.SelectContextOrWait(ctx, time.Second) {
		return
	}
	if err := nw.Start(ctx); err != nil {
		globalLogger.Error(err)
	}
}

func install(ctx context.Context) error {
	mgr := systemd.NewManager(globalLogger)
	path, newInstall, err := mgr.InstallService(ctx, systemd.ServiceName, []byte(systemd.ServiceFileContents))
	if err != nil {
		return err
	}
	if newInstall {
		globalLogger.Infof("installed %s, start it with 'systemctl start %s'", path, systemd.ServiceName)
	} else {
		globalLogger.Infof("%s is already up to date", path)
	}
	return nil
}

func setupExitSignalHandling() (context.Context, func(), <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	reload := make(chan struct{}, 1)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt:
				fallthrough
			case syscall.SIGQUIT:
				fallthrough
			case syscall.SIGABRT:
				fallthrough
			case syscall.SIGTERM:
				globalLogger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return

			case syscall.SIGHUP:
				select {
				case reload <- struct{}{}:
				default:
				}

			// log everything else
			default:
				if !ignoredSignal(sig) {
					globalLogger.Debugw("received unknown signal", "signal", sig)
				}
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGHUP)
	return ctx, cancel, reload
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}

func getLock() (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(utils.Dirs.Tmp, "netprov.pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	globalLogger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		globalLogger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// PIDs get reused after a reboot, so make sure the owner is really netprov
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				globalLogger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else {
				runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid))
				if err != nil {
					globalLogger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
					staleFile = true
				} else if !strings.Contains(runPath, systemd.ServiceName) {
					globalLogger.Warnf("lockfile owner isn't %s", systemd.ServiceName)
					staleFile = true
				}
			}
			if staleFile {
				globalLogger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of netprov is already running with PID: %d", proc.Pid)
		}
	}
	return "", err
}
