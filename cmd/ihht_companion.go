package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/hakonstad/ihht-companion/internal/config"
	"github.com/hakonstad/ihht-companion/internal/events"
	"github.com/hakonstad/ihht-companion/internal/goroutines"
	"github.com/hakonstad/ihht-companion/internal/oximeter"
	"github.com/hakonstad/ihht-companion/internal/session"
	"github.com/hakonstad/ihht-companion/internal/storage"
)

func main() {
	configFile := pflag.String("config", "", "path to config file (default: ~/.ihht-companion/config.yaml)")
	useSim := pflag.Bool("sim", false, "use the simulated oximeter instead of BLE hardware")
	userID := pflag.String("user", "default", "user id for session history")
	startLevel := pflag.Int("level", session.LevelAuto, "starting altitude level 0-10 (-1 = recommend from history)")
	pflag.Parse()

	v := viper.New()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "bind flags: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(v, *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&lumberjack.Logger{
		Filename:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	}, "", log.LstdFlags)
	logger.Println("Starting ihht-companion")

	ctx := context.Background()

	store, err := storage.Open(ctx, logger, cfg.Storage.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	snapshots := storage.NewFileSnapshotStore(logger, cfg.Storage.SnapshotPath)
	readings := storage.NewReadingBuffer(logger, store, cfg.Storage)
	defer readings.Close()

	controller := session.NewSessionController(
		logger, cfg.Session, cfg.Adaptive, cfg.Progression,
		snapshots, readings, store, store)
	defer controller.Shutdown()

	// Pick the oximeter backend.
	var source oximeter.Source
	var sim *oximeter.Simulator
	if *useSim {
		sim = oximeter.NewSimulator(logger)
		sim.Start()
		source = sim
	} else {
		manager := oximeter.NewManager(bluetooth.DefaultAdapter, logger)
		if err := manager.Enable(); err != nil {
			fmt.Fprintf(os.Stderr, "enable BLE stack: %v\n", err)
			os.Exit(1)
		}
		manager.StartAutoConnect()
		source = manager
	}
	defer source.Shutdown()

	unsubReadings := source.ListenToReadings(controller.AddReading)
	defer unsubReadings()
	unsubConn := source.ListenToConnection(controller.SetSensorConnected)
	defer unsubConn()

	if sim != nil {
		// Close the loop: the simulated body reacts to the running session.
		unsub := controller.ListenToPhaseUpdates(func(info session.SessionInfo) {
			sim.SetHypoxic(info.CurrentPhase == session.PhaseAltitude && !info.IsPaused)
			sim.SetAltitudeLevel(info.AltitudeLevel)
		})
		defer unsub()
	}

	ui := newDashboard(logger, controller, source, sessionConfigFrom(cfg.Session, *startLevel), *userID)
	if err := ui.run(); err != nil {
		logger.Printf("UI error: %v", err)
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
	logger.Println("ihht-companion exiting")
}

func sessionConfigFrom(s config.Session, startLevel int) session.Config {
	return session.Config{
		TotalCycles:               s.TotalCycles,
		HypoxicDurationSeconds:    s.HypoxicSeconds,
		HyperoxicDurationSeconds:  s.HyperoxicSeconds,
		TransitionDurationSeconds: s.TransitionSeconds,
		StartingAltitudeLevel:     startLevel,
	}
}

// dashboard is the terminal UI: status pane, vitals pane, instruction banner
// and a scrolling log.
type dashboard struct {
	logger     *log.Logger
	controller *session.SessionController
	source     oximeter.Source
	sessionCfg session.Config
	userID     string

	app         *tview.Application
	statusView  *tview.TextView
	vitalsView  *tview.TextView
	bannerView  *tview.TextView
	logView     *tview.TextView
	pages       *tview.Pages
	bannerTimer *time.Timer
	vitalsFeed  *events.Feed[session.Reading]

	sensorConnected bool

	// An altitude suggestion waits here until the user confirms it with 'a'
	// or the banner auto-dismisses.
	pendingMu         sync.Mutex
	pendingAdjustment *session.Instruction
}

func newDashboard(
	logger *log.Logger,
	controller *session.SessionController,
	source oximeter.Source,
	sessionCfg session.Config,
	userID string,
) *dashboard {
	d := &dashboard{
		logger:     logger,
		controller: controller,
		source:     source,
		sessionCfg: sessionCfg,
		userID:     userID,
		app:        tview.NewApplication(),
		vitalsFeed: events.NewFeed[session.Reading](true),
	}

	d.statusView = tview.NewTextView().SetDynamicColors(true)
	d.statusView.SetBorder(true).SetTitle(" Session ")

	d.vitalsView = tview.NewTextView().SetDynamicColors(true)
	d.vitalsView.SetBorder(true).SetTitle(" Vitals ")

	d.bannerView = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)
	d.bannerView.SetBorder(true).SetTitle(" Instructions ")

	d.logView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	d.logView.SetBorder(true).SetTitle(" Log ")

	top := tview.NewFlex().
		AddItem(d.statusView, 0, 1, false).
		AddItem(d.vitalsView, 0, 1, false)

	help := tview.NewTextView().
		SetText(" n: new session   space: pause/resume   s: skip phase   +/-: altitude   a: apply suggestion   e: end   q: quit")

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 0, 2, false).
		AddItem(d.bannerView, 5, 0, false).
		AddItem(d.logView, 0, 3, false).
		AddItem(help, 1, 0, false)

	d.pages = tview.NewPages().AddPage("main", flex, true, true)
	d.app.SetRoot(d.pages, true)
	d.app.SetInputCapture(d.handleKey)

	d.renderIdle()
	return d
}

func (d *dashboard) run() error {
	unsubs := []func(){
		d.controller.ListenToPhaseUpdates(func(info session.SessionInfo) {
			d.app.QueueUpdateDraw(func() { d.renderStatus(info) })
		}),
		d.controller.ListenToPhaseAdvances(func(adv session.PhaseAdvance) {
			d.logf("Phase advance: %s -> %s (cycle %d)", adv.From, adv.To, adv.Cycle)
		}),
		d.controller.ListenToInstructions(func(instr session.Instruction) {
			d.showInstruction(instr)
		}),
		d.controller.ListenToSessionPaused(func(reason session.PauseReason) {
			d.logf("Session paused (%s)", reason)
		}),
		d.controller.ListenToSessionResumed(func(session.SessionInfo) {
			d.logf("Session resumed")
		}),
		d.controller.ListenToSessionEnded(func(summary session.Summary) {
			d.logf("Session ended: score %d (%s), min SpO2 %d, avg %.1f, %d mask lifts, %.0f%% complete",
				summary.Score, summary.Category, summary.MinSpO2, summary.AvgSpO2,
				summary.MaskLiftCount, summary.CompletionRate*100)
			d.app.QueueUpdateDraw(d.renderIdle)
		}),
		d.source.ListenToConnection(func(connected bool) {
			// sensorConnected is only touched on the UI goroutine.
			d.app.QueueUpdateDraw(func() { d.sensorConnected = connected })
			if connected {
				d.logf("Oximeter connected")
			} else {
				d.logf("Oximeter disconnected")
			}
		}),
		d.streamVitals(),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	d.maybeOfferRecovery()

	return d.app.Run()
}

// streamVitals pipes oximeter readings through a lossy feed into the vitals
// pane. The buffered channel decouples the notification callback from the
// redraw: when redraws fall behind, stale frames are dropped instead of
// backpressuring the BLE stack. Returns a teardown func.
func (d *dashboard) streamVitals() func() {
	unsubscribe := d.source.ListenToReadings(d.vitalsFeed.Publish)

	ch := make(chan session.Reading, 16)
	detach := d.vitalsFeed.Attach(ch)
	done := make(chan struct{})

	goroutines.SafeGo(d.logger, func() {
		for {
			select {
			case <-done:
				return
			case r := <-ch:
				d.app.QueueUpdateDraw(func() { d.renderVitals(r) })
			}
		}
	})

	return func() {
		unsubscribe()
		detach()
		close(done)
	}
}

// handleKey runs on the tview event loop. Controller calls emit events whose
// handlers queue UI updates, and QueueUpdateDraw must never be reached from
// the event loop itself, so every action hops to its own goroutine.
func (d *dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape {
		d.app.Stop()
		return nil
	}
	switch event.Rune() {
	case 'q':
		d.app.Stop()
	case 'n':
		go d.startSession()
	case ' ':
		go d.togglePause()
	case 's':
		go func() {
			if skipped, err := d.controller.SkipPhase(); err != nil {
				d.logf("Skip: %v", err)
			} else if !skipped {
				d.logf("Skip refused (paused or finished)")
			}
		}()
	case '+', '=':
		go d.nudgeAltitude(+1)
	case '-':
		go d.nudgeAltitude(-1)
	case 'a':
		go d.applyPendingAdjustment()
	case 'e':
		go func() {
			if _, err := d.controller.EndSession(context.Background()); err != nil {
				d.logf("End: %v", err)
			}
		}()
	default:
		return event
	}
	return nil
}

func (d *dashboard) startSession() {
	info, err := d.controller.StartSession(context.Background(), d.userID, d.sessionCfg)
	if err != nil {
		d.logf("Start: %v", err)
		return
	}
	d.logf("Session %s started at altitude level %d", info.SessionID, info.AltitudeLevel)
}

func (d *dashboard) togglePause() {
	info, ok := d.controller.GetSessionInfo()
	if !ok {
		d.logf("No active session")
		return
	}
	if info.IsPaused {
		if err := d.controller.ResumeSession(); err != nil {
			d.logf("Resume: %v", err)
		}
	} else {
		if err := d.controller.PauseSession(session.PauseReasonUser); err != nil {
			d.logf("Pause: %v", err)
		}
	}
}

func (d *dashboard) nudgeAltitude(delta int) {
	info, ok := d.controller.GetSessionInfo()
	if !ok {
		d.logf("No active session")
		return
	}
	if err := d.controller.SetAltitudeLevel(info.AltitudeLevel + delta); err != nil {
		d.logf("Altitude: %v", err)
	}
}

// maybeOfferRecovery shows a modal when an interrupted session is on disk.
func (d *dashboard) maybeOfferRecovery() {
	snap := d.controller.GetRecoverableSession()
	if snap == nil {
		return
	}

	text := fmt.Sprintf(
		"An interrupted session from %s was found.\nPhase %s, cycle %d/%d, altitude level %d.\n\nResume it?",
		snap.LastPersistedAt.Format("15:04"),
		snap.Phase.CurrentPhase, snap.Phase.CurrentCycle, snap.Config.TotalCycles, snap.AltitudeLevel)

	modal := tview.NewModal().
		SetText(text).
		AddButtons([]string{"Resume", "Discard"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			d.pages.RemovePage("recovery")
			// Off the event loop for the same reason as handleKey.
			go func() {
				if buttonLabel == "Resume" {
					info, err := d.controller.ResumeFromSnapshot(*snap)
					if err != nil {
						d.logf("Recovery failed: %v", err)
						return
					}
					d.logf("Recovered session %s (paused, press space to continue)", info.SessionID)
				} else {
					d.controller.DeclineSessionRecovery()
					d.logf("Recovery snapshot discarded")
				}
			}()
		})
	d.pages.AddPage("recovery", modal, true, true)
}

func (d *dashboard) renderIdle() {
	d.statusView.SetText("\n  No active session.\n\n  Press [yellow]n[-] to start.")
}

func (d *dashboard) renderStatus(info session.SessionInfo) {
	if !info.IsActive {
		d.renderIdle()
		return
	}
	state := "running"
	if info.IsPaused {
		state = "[red]PAUSED[-]"
	}
	d.statusView.SetText(fmt.Sprintf(
		"\n  Phase:    [yellow]%s[-]\n  Cycle:    %d / %d\n  Time:     %s\n  Altitude: level %d\n  State:    %s",
		info.CurrentPhase, info.CurrentCycle, info.TotalCycles,
		formatCountdown(info.PhaseTimeRemainingSeconds), info.AltitudeLevel, state))
}

func (d *dashboard) renderVitals(r session.Reading) {
	sensor := "[green]connected[-]"
	if !d.sensorConnected {
		sensor = "[red]disconnected[-]"
	}
	spo2 := "--"
	if r.SpO2Valid {
		spo2 = fmt.Sprintf("%d%%", r.SpO2)
	}
	hr := "--"
	if r.HeartRateValid {
		hr = fmt.Sprintf("%d bpm", r.HeartRate)
	}
	finger := "on"
	if !r.FingerDetected {
		finger = "[red]off[-]"
	}
	d.vitalsView.SetText(fmt.Sprintf(
		"\n  SpO2:   [aqua]%s[-]\n  Pulse:  %s\n  Finger: %s\n  Signal: %d\n  Sensor: %s",
		spo2, hr, finger, r.SignalStrength, sensor))
}

// showInstruction puts the instruction on the banner. Mask lifts are purely
// informational; altitude suggestions additionally arm the pending adjustment
// that 'a' confirms. Nothing changes the session until the user confirms.
func (d *dashboard) showInstruction(instr session.Instruction) {
	var text string
	switch instr.Type {
	case session.InstructionMaskLift:
		text = fmt.Sprintf("[red::b]LIFT MASK[-::-]  SpO2 %d%% below %d%%", instr.SpO2Value, instr.ThresholdUsed)
	case session.InstructionAltitudeAdjustment:
		direction := "Increase"
		if instr.Delta < 0 {
			direction = "Decrease"
		}
		text = fmt.Sprintf("[yellow::b]%s altitude to level %d[-::-]  (%s)  press a to apply", direction, instr.NewLevel, instr.Reason)
	default:
		return
	}
	d.logf("Instruction: %s", instr.Type)

	d.pendingMu.Lock()
	d.pendingAdjustment = nil
	if instr.Type == session.InstructionAltitudeAdjustment {
		pending := instr
		d.pendingAdjustment = &pending
	}
	d.pendingMu.Unlock()

	d.app.QueueUpdateDraw(func() {
		d.bannerView.SetText("\n" + text)
		if d.bannerTimer != nil {
			d.bannerTimer.Stop()
		}
		d.bannerTimer = time.AfterFunc(instr.AutoDismissAfter, func() {
			// Dismissal withdraws an unconfirmed suggestion.
			d.pendingMu.Lock()
			d.pendingAdjustment = nil
			d.pendingMu.Unlock()
			d.app.QueueUpdateDraw(func() { d.bannerView.SetText("") })
		})
	})
}

// applyPendingAdjustment confirms the banner's altitude suggestion. Runs off
// the event loop.
func (d *dashboard) applyPendingAdjustment() {
	d.pendingMu.Lock()
	instr := d.pendingAdjustment
	d.pendingAdjustment = nil
	d.pendingMu.Unlock()
	if instr == nil {
		d.logf("No altitude suggestion to apply")
		return
	}

	if err := d.controller.SetAltitudeLevel(instr.NewLevel); err != nil {
		d.logf("Apply adjustment: %v", err)
		return
	}
	d.logf("Altitude suggestion applied: level %d", instr.NewLevel)
	d.app.QueueUpdateDraw(func() {
		d.bannerView.SetText("")
		if d.bannerTimer != nil {
			d.bannerTimer.Stop()
		}
	})
}

func (d *dashboard) logf(format string, args ...interface{}) {
	message := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	d.logger.Print(message)
	d.app.QueueUpdateDraw(func() {
		fmt.Fprint(d.logView, message)
		d.logView.ScrollToEnd()
	})
}

func formatCountdown(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
