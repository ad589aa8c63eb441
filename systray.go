package main

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"fyne.io/systray"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
	"github.com/dotside-studios/davi-emv-agent/config"
	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/server"
	tlscert "github.com/dotside-studios/davi-emv-agent/tls"
)

// controlURL returns the address control clients should use. A wildcard
// listen host is replaced by the first LAN address.
func controlURL(cfg config.ServerConfig) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
		if ips, _ := tlscert.LANIPs(); len(ips) > 0 {
			host = ips[0]
		}
	}
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + server.APIPrefix
}

// SystrayApp manages the system tray interface for the agent
type SystrayApp struct {
	agent *Agent

	mu      sync.Mutex
	running bool

	// Status section
	mStatus  *systray.MenuItem
	mMode    *systray.MenuItem
	mOutcome *systray.MenuItem

	// URL section
	mURL     *systray.MenuItem
	mCopyURL *systray.MenuItem

	// Session control
	mStartReading    *systray.MenuItem
	mStartTokenizing *systray.MenuItem
	mStop            *systray.MenuItem

	// Reader tools
	mReaderMenu        *systray.MenuItem
	mBattery           *systray.MenuItem
	mCalibrate         *systray.MenuItem
	mClearFingerprints *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{agent: agent}
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// onReady is called when the systray is ready
func (s *SystrayApp) onReady() {
	s.setupUI()
	s.agent.OnEvent(s.handleEvent)
	s.autoStartAgent()
}

// onExit is called when the systray is exiting
func (s *SystrayApp) onExit() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if running {
		s.agent.Stop()
	}
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Reader status")
	s.mStatus.Disable()
	s.mMode = systray.AddMenuItem("Session: Idle", "Current session")
	s.mMode.Disable()
	s.mOutcome = systray.AddMenuItem("Last card: None", "Last attempt outcome")
	s.mOutcome.Disable()

	systray.AddSeparator()

	s.mURL = systray.AddMenuItem("Control API: Not running", "Control server address")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("  Copy API URL", "Copy the control server address to clipboard")

	systray.AddSeparator()

	s.mStartReading = systray.AddMenuItem("Start Reading", "Read cards without authorizing")
	s.mStartTokenizing = systray.AddMenuItem("Start Tokenizing", "Tokenize swipes and authorize dips")
	s.mStop = systray.AddMenuItem("Stop Session", "Stop the running session")
	s.mStartReading.Disable()
	s.mStartTokenizing.Disable()
	s.mStop.Disable()

	systray.AddSeparator()

	s.mReaderMenu = systray.AddMenuItem("Reader", "Reader tools")
	s.mBattery = s.mReaderMenu.AddSubMenuItem("Battery: Unknown", "Read the battery level")
	s.mCalibrate = s.mReaderMenu.AddSubMenuItem("Calibrate", "Calibrate the swipe head")
	s.mClearFingerprints = s.mReaderMenu.AddSubMenuItem("Forget Provisioned Readers", "Reprovision readers on next connect")

	systray.AddSeparator()
	mVersion := systray.AddMenuItem(buildinfo.FullVersion(), "Version")
	mVersion.Disable()
	mQuit := systray.AddMenuItem("Quit", "Quit the application")

	go s.handleMenuEvents(mQuit)
}

// autoStartAgent starts the agent automatically
func (s *SystrayApp) autoStartAgent() {
	go func() {
		if err := s.agent.Start(); err != nil {
			s.agent.Logger.Error("failed to start agent", "err", err)
			s.updateStatus("Failed to Start")
			return
		}
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		s.updateStatus("Running")
		s.updateURL()
		s.updateSession()
	}()
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents(mQuit *systray.MenuItem) {
	for {
		select {
		case <-s.mStartReading.ClickedCh:
			s.startSession(emv.ModeReading)
		case <-s.mStartTokenizing.ClickedCh:
			s.startSession(emv.ModeTokenizing)
		case <-s.mStop.ClickedCh:
			s.agent.Director.Stop()
			s.updateSession()
		case <-s.mBattery.ClickedCh:
			go s.readBattery()
		case <-s.mCalibrate.ClickedCh:
			go s.calibrate()
		case <-s.mClearFingerprints.ClickedCh:
			go s.clearFingerprints()
		case <-s.mCopyURL.ClickedCh:
			url := controlURL(s.agent.Config.Server)
			if err := copyToClipboard(url); err != nil {
				s.agent.Logger.Warn("failed to copy to clipboard", "err", err)
			} else {
				s.agent.Logger.Info("copied control API URL to clipboard")
			}
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// startSession starts a card session that lives until stopped from the
// menu or the control API.
func (s *SystrayApp) startSession(mode emv.Mode) {
	var err error
	switch mode {
	case emv.ModeReading:
		err = s.agent.Director.StartReading(context.Background())
	case emv.ModeTokenizing:
		err = s.agent.Director.StartTokenizing(context.Background())
	}
	if err != nil {
		s.agent.Logger.Warn("failed to start session", "mode", mode.String(), "err", err)
		s.mStatus.SetTitle("Start failed: " + err.Error())
		systray.SetIcon(iconDataError)
	}
	s.updateSession()
}

func (s *SystrayApp) readBattery() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	level, err := s.agent.Director.BatteryLevel(ctx)
	if err != nil {
		s.mBattery.SetTitle("Battery: Unavailable")
		s.agent.Logger.Warn("battery read failed", "err", err)
		return
	}
	s.mBattery.SetTitle(fmt.Sprintf("Battery: %d%%", level))
}

func (s *SystrayApp) calibrate() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.agent.Director.Calibrate(ctx); err != nil {
		s.mCalibrate.SetTitle("Calibrate (failed)")
		s.agent.Logger.Warn("calibration failed", "err", err)
		return
	}
	s.mCalibrate.SetTitle("Calibrate (done)")
}

func (s *SystrayApp) clearFingerprints() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.agent.Director.ClearFingerprints(ctx); err != nil {
		s.agent.Logger.Warn("clearing fingerprints failed", "err", err)
		return
	}
	s.agent.Logger.Info("provisioned readers forgotten")
}

// handleEvent reflects session events in the menu. It runs on the agent's
// event pump.
func (s *SystrayApp) handleEvent(ev emv.Event) {
	switch e := ev.(type) {
	case emv.StatusChanged:
		s.mStatus.SetTitle("Reader: " + string(e.Status))
		switch e.Status {
		case emv.StatusWaitingForCard, emv.StatusConnected:
			systray.SetIcon(iconDataConnected)
		case emv.StatusStopped:
			systray.SetIcon(iconDataStopped)
			s.updateSession()
		case emv.StatusNotConnected:
			systray.SetIcon(iconDataError)
		}
	default:
		s.mOutcome.SetTitle("Last card: " + describeEvent(ev))
	}
}

// updateSession refreshes the session line and the control items
func (s *SystrayApp) updateSession() {
	mode, active := s.agent.Director.Active()
	if active {
		s.mMode.SetTitle("Session: " + mode.String())
		s.mStartReading.Disable()
		s.mStartTokenizing.Disable()
		s.mStop.Enable()
		return
	}
	s.mMode.SetTitle("Session: Idle")
	s.mStartReading.Enable()
	s.mStartTokenizing.Enable()
	s.mStop.Disable()
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	// Update icon based on status
	switch status {
	case "Running":
		systray.SetIcon(iconDataConnected)
	case "Failed to Start":
		systray.SetIcon(iconDataError)
	case "Stopped":
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}

// updateURL shows the control server address
func (s *SystrayApp) updateURL() {
	if s.agent.Server == nil {
		s.mURL.SetTitle("Control API: Disabled")
		s.mCopyURL.Disable()
		return
	}
	s.mURL.SetTitle("Control API: " + controlURL(s.agent.Config.Server))
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	_, err = stdin.Write([]byte(text))
	if err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
