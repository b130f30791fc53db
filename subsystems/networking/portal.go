package networking

import (
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/netprov/utils"
)

// DevModeEnv makes the portal load templates from the tmp dir instead of the embedded copies.
const DevModeEnv = "NETPROV_DEVMODE"

type templateData struct {
	Manufacturer string
	Model        string
	DeviceName   string
	HotspotSSID  string

	Banner         string
	VisibleSSIDs   []NetworkInfo
	Errors         []string
	PendingRestart bool
}

//go:embed templates/*
var templates embed.FS

func (n *Networking) startPortal() error {
	if err := n.startGRPC(); err != nil {
		return errw.Wrap(err, "starting GRPC service")
	}

	if err := n.startWeb(); err != nil {
		return errw.Wrap(err, "starting web portal service")
	}

	return nil
}

func (n *Networking) startWeb() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.portalIndex)
	mux.HandleFunc("/save", n.portalSave)

	bind := net.JoinHostPort(n.portalAddr, strconv.Itoa(n.webPort))
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return errw.Wrapf(err, "listening on: %s", bind)
	}

	server := &http.Server{
		Handler:     mux,
		ReadTimeout: time.Second * 10,
	}
	n.dataMu.Lock()
	n.webServer = server
	n.webAddr = lis.Addr()
	n.dataMu.Unlock()

	n.workers.Add(1)
	go func() {
		defer utils.Recover(n.logger, func(panickedWith any) {
			n.logger.Warnw("panic in web portal goroutine", "panic", panickedWith)
		})
		defer n.workers.Done()
		err := server.Serve(lis)
		if !errors.Is(err, http.ErrServerClosed) {
			n.logger.Warn(err)
		}
	}()
	return nil
}

func (n *Networking) stopPortal() error {
	n.dataMu.Lock()
	grpcServer := n.grpcServer
	webServer := n.webServer
	n.grpcServer = nil
	n.webServer = nil
	n.dataMu.Unlock()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if webServer != nil {
		return webServer.Close()
	}
	return nil
}

func (n *Networking) portalTemplates() (*template.Template, error) {
	if os.Getenv(DevModeEnv) != "" {
		dir := filepath.Join(utils.Dirs.Tmp, "templates")
		n.logger.Warnf("devmode enabled, using templates from %s", dir)
		if t, err := template.ParseGlob(filepath.Join(dir, "*.html")); err == nil {
			return t, nil
		}
	}
	return template.ParseFS(templates, "templates/*.html")
}

func (n *Networking) portalIndex(resp http.ResponseWriter, req *http.Request) {
	defer func() {
		if err := req.Body.Close(); err != nil {
			n.logger.Warn(err)
		}
	}()

	cfg := n.Config()
	n.dataMu.Lock()
	ssid := n.hotspotSSID
	n.dataMu.Unlock()

	data := templateData{
		Manufacturer:   cfg.Manufacturer,
		Model:          cfg.Model,
		DeviceName:     cfg.DeviceName,
		HotspotSSID:    ssid,
		Banner:         n.banner.Get(),
		VisibleSSIDs:   n.getScanned(),
		Errors:         n.errors.Strings(),
		PendingRestart: n.PendingRestart(),
	}

	t, err := n.portalTemplates()
	if err != nil {
		n.logger.Warn(err)
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := t.Execute(resp, data); err != nil {
		n.logger.Warn(err)
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	// reset the errors and banner, as they were now just displayed
	n.banner.Set("")
	n.errors.Clear()
}

func (n *Networking) portalSave(resp http.ResponseWriter, req *http.Request) {
	defer func() {
		if err := req.Body.Close(); err != nil {
			n.logger.Warn(err)
		}
	}()
	defer http.Redirect(resp, req, "/", http.StatusSeeOther)

	if req.Method != http.MethodPost {
		return
	}

	cred := Credential{
		SSID:     req.FormValue("ssid"),
		Password: req.FormValue("password"),
	}
	if err := n.saveProvidedCredentials(cred); err != nil {
		n.errors.Add(err)
		return
	}
	n.banner.Set("Added credentials for SSID: " + cred.SSID + ". Restarting shortly.")
}

// saveProvidedCredentials stores credentials entered through the hotspot and restarts into them.
// The radio is busy hosting the hotspot, so they can't be tried first.
func (n *Networking) saveProvidedCredentials(cred Credential) error {
	if cred.SSID == "" {
		return ErrNoSSID
	}
	if len(cred.SSID) > maxSSIDLen {
		return errw.Errorf("SSID is longer than %d bytes", maxSSIDLen)
	}
	if cred.Password != "" && (len(cred.Password) < 8 || len(cred.Password) > maxPasswordLen) {
		return errw.Wrapf(ErrBadPassword, "password for %s must be 8 to %d characters", cred.SSID, maxPasswordLen)
	}

	n.logger.Infof("saving credentials for %s", cred.SSID)
	if err := n.store.AddSsid(cred); err != nil {
		return errw.Wrapf(err, "saving credentials for %s", cred.SSID)
	}
	if n.machine.getPendingRestart() {
		return nil
	}
	n.machine.setPendingRestart()
	n.notifier.ShowNotification(localize(n.Config().Language, msgCredentialsSaved, cred.SSID), notifyDuration)
	n.scheduleRestart()
	return nil
}
