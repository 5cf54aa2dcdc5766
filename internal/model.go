package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tapeback/internal/devices"
	"tapeback/internal/session"
	"tapeback/internal/tape"
)

// sessionEventMsg wraps one event from the session machine's ordered stream
// for delivery through the Bubble Tea update loop.
type sessionEventMsg struct {
	ev session.Event
}

// deviceChurnMsg signals that /dev tape nodes appeared or disappeared and
// the device list should be refreshed.
type deviceChurnMsg struct{}

// screen represents the different UI screens.
type screen int

const (
	screenMain         screen = iota // main menu
	screenDeviceSelect               // tape device picker
	screenConfirm                    // confirmation dialog for destructive operations
	screenProgress                   // live log and progress for the running job
	screenArchivePick                // archive number entry for restore/browse
	screenBrowse                     // archive member listing
)

// menuAction identifies what a main menu entry does beyond starting a job.
type menuAction int

const (
	actionJob menuAction = iota
	actionSelectDevice
	actionExitLTFSMode
	actionQuit
)

// menuEntry is one main menu line. Entries with a confirm text go through
// the confirmation screen; entries with pickArchive prompt for an archive
// number first.
type menuEntry struct {
	label       string
	action      menuAction
	kind        session.JobKind
	confirm     string
	pickArchive bool
}

var mainMenu = []menuEntry{
	{label: "Select tape device", action: actionSelectDevice},
	{label: "Backup to tape", kind: session.JobBackup,
		confirm: "This rewinds the tape and overwrites it from the beginning. Continue?"},
	{label: "Append backup", kind: session.JobAppend},
	{label: "Restore from tape", kind: session.JobRestore, pickArchive: true},
	{label: "Browse tape contents", kind: session.JobBrowse, pickArchive: true},
	{label: "Backup to LTFS tape", kind: session.JobLTFSBackup},
	{label: "Mount LTFS tape", kind: session.JobMountLTFS},
	{label: "Unmount LTFS tape", kind: session.JobUnmountLTFS},
	{label: "Tape status", kind: session.JobStatus},
	{label: "Query tape capacity", kind: session.JobQuery},
	{label: "Rewind tape", kind: session.JobRewind},
	{label: "Format tape for LTFS", kind: session.JobFormat,
		confirm: "Formatting destroys everything on the tape. Continue?"},
	{label: "Erase tape", kind: session.JobErase,
		confirm: "A full erase destroys everything on the tape, can take HOURS, and cannot be aborted. Continue?"},
	{label: "Diagnostics", kind: session.JobDiagnostics},
	{label: "Exit LTFS mode (unlock raw operations)", action: actionExitLTFSMode},
	{label: "Quit", action: actionQuit},
}

// maxLogLines bounds the in-memory operator log.
const maxLogLines = 500

// Model is the complete TUI state. It implements tea.Model; all tape state
// lives in the session machine, the model only mirrors snapshots of it.
type Model struct {
	machine *session.Machine
	cfg     *Config
	watcher *devices.Watcher // nil when /dev watching is unavailable

	screen screen
	cursor int

	sess    session.Session
	devices []devices.TapeDevice
	log     []string

	progressBytes   int64
	progressTotal   int64
	progressElapsed time.Duration

	pending      menuEntry // entry awaiting confirmation or archive number
	archiveInput string
	browse       []tape.Entry
	browseOffset int
	browseNum    int

	width  int
	height int
}

// InitialModel creates the TUI model around a session machine. The watcher
// may be nil; hotplug refresh is then simply disabled.
func InitialModel(machine *session.Machine, cfg *Config, watcher *devices.Watcher) Model {
	return Model{
		machine: machine,
		cfg:     cfg,
		watcher: watcher,
		sess:    machine.Snapshot(),
		width:   100,
		height:  30,
	}
}

// Init starts the event pumps: session events, device hotplug churn, and an
// initial device enumeration.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForEvent(), m.refreshDevices()}
	if m.watcher != nil {
		cmds = append(cmds, m.waitForChurn())
	}
	return tea.Batch(cmds...)
}

// waitForEvent blocks on the session machine's event stream.
func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.machine.Events()
		if !ok {
			return nil
		}
		return sessionEventMsg{ev: ev}
	}
}

func (m Model) waitForChurn() tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-m.watcher.Events; !ok {
			return nil
		}
		return deviceChurnMsg{}
	}
}

func (m Model) refreshDevices() tea.Cmd {
	return func() tea.Msg {
		m.machine.RefreshDevices()
		return nil
	}
}

// Update routes messages: session events fold into the mirrored state, key
// input drives the current screen.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case sessionEventMsg:
		return m.handleEvent(msg.ev)

	case deviceChurnMsg:
		return m, tea.Batch(m.refreshDevices(), m.waitForChurn())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// handleEvent folds one session event into the model and re-arms the pump.
func (m Model) handleEvent(ev session.Event) (tea.Model, tea.Cmd) {
	switch ev := ev.(type) {
	case session.LogLine:
		m.appendLog(ev.Text)
		AppendSessionLog(ev.Text)
	case session.Progress:
		m.progressBytes = ev.Bytes
		m.progressTotal = ev.Total
		m.progressElapsed = ev.Elapsed
	case session.DevicesLoaded:
		m.devices = ev.Devices
	case session.BrowseListing:
		m.browse = ev.Entries
		m.browseNum = ev.Archive
		m.browseOffset = 0
		m.screen = screenBrowse
	case session.JobFinished:
		if ev.Job.Err != nil {
			m.appendLog("✗ " + ev.Job.Err.Error())
			AppendSessionLog("FAILED: " + ev.Job.Err.Error())
		}
	}
	m.sess = m.machine.Snapshot()
	return m, m.waitForEvent()
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch m.screen {
	case screenMain:
		return m.handleMainKey(key)
	case screenDeviceSelect:
		return m.handleDeviceKey(key)
	case screenConfirm:
		return m.handleConfirmKey(key)
	case screenArchivePick:
		return m.handleArchiveKey(key)
	case screenProgress:
		return m.handleProgressKey(key)
	case screenBrowse:
		return m.handleBrowseKey(key)
	}
	return m, nil
}

func (m Model) handleMainKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(mainMenu)-1 {
			m.cursor++
		}
	case "q", "ctrl+c":
		return m.quit()
	case "enter", " ":
		return m.activate(mainMenu[m.cursor])
	}
	return m, nil
}

// activate runs a main menu entry: direct actions immediately, jobs via the
// confirmation / archive-pick detours when the entry asks for them.
func (m Model) activate(entry menuEntry) (tea.Model, tea.Cmd) {
	switch entry.action {
	case actionQuit:
		return m.quit()
	case actionSelectDevice:
		m.screen = screenDeviceSelect
		m.cursor = 0
		return m, m.refreshDevices()
	case actionExitLTFSMode:
		m.machine.ExitLTFSMode()
		return m, nil
	}

	if entry.pickArchive {
		m.pending = entry
		m.archiveInput = ""
		m.screen = screenArchivePick
		return m, nil
	}
	if entry.confirm != "" {
		m.pending = entry
		m.screen = screenConfirm
		return m, nil
	}
	return m.request(entry.kind, m.jobParams(entry.kind, 0)), nil
}

// jobParams assembles the Params for a job kind from the saved config.
func (m Model) jobParams(kind session.JobKind, archive int) session.Params {
	switch kind {
	case session.JobBackup, session.JobAppend, session.JobLTFSBackup:
		return session.Params{Paths: m.cfg.BackupDirs, Gzip: m.cfg.Gzip}
	case session.JobRestore:
		return session.Params{Dest: m.cfg.RestoreDir, Archive: archive, Gzip: m.cfg.Gzip}
	case session.JobBrowse:
		return session.Params{Archive: archive, Gzip: m.cfg.Gzip}
	}
	return session.Params{}
}

// request submits the job and moves to the progress screen on acceptance.
// Rejections surface in the log without leaving the current screen.
func (m *Model) request(kind session.JobKind, p session.Params) Model {
	if (kind == session.JobBackup || kind == session.JobAppend || kind == session.JobLTFSBackup) &&
		len(p.Paths) == 0 {
		m.appendLog("✗ no backup directories configured (edit ~/.config/tapeback/config.json)")
		return *m
	}
	if err := m.machine.RequestJob(kind, p); err != nil {
		m.appendLog("✗ " + err.Error())
		m.sess = m.machine.Snapshot()
		return *m
	}
	m.progressBytes, m.progressTotal, m.progressElapsed = 0, -1, 0
	m.screen = screenProgress
	m.sess = m.machine.Snapshot()
	return *m
}

func (m Model) handleDeviceKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case "r":
		return m, m.refreshDevices()
	case "esc", "q":
		m.screen = screenMain
		m.cursor = 0
	case "enter", " ":
		if m.cursor < len(m.devices) {
			m.machine.SelectDevice(m.devices[m.cursor])
			m.screen = screenMain
			m.cursor = 0
		}
	}
	return m, nil
}

func (m Model) handleConfirmKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "y", "Y", "enter":
		entry := m.pending
		m.screen = screenMain
		return m.request(entry.kind, m.jobParams(entry.kind, 0)), nil
	case "n", "N", "esc", "q":
		m.screen = screenMain
	}
	return m, nil
}

func (m Model) handleArchiveKey(key string) (tea.Model, tea.Cmd) {
	switch {
	case key >= "0" && key <= "9":
		if len(m.archiveInput) < 4 {
			m.archiveInput += key
		}
	case key == "backspace":
		if len(m.archiveInput) > 0 {
			m.archiveInput = m.archiveInput[:len(m.archiveInput)-1]
		}
	case key == "esc" || key == "q":
		m.screen = screenMain
	case key == "enter":
		n, err := strconv.Atoi(m.archiveInput)
		if err != nil || n < 1 {
			return m, nil
		}
		entry := m.pending
		m.screen = screenMain
		return m.request(entry.kind, m.jobParams(entry.kind, n)), nil
	}
	return m, nil
}

func (m Model) handleProgressKey(key string) (tea.Model, tea.Cmd) {
	job := m.sess.ActiveJob
	switch key {
	case "c":
		if err := m.machine.CancelJob(); err != nil {
			m.appendLog("✗ " + err.Error())
		}
	case "enter", "esc", "q":
		if job == nil || job.Terminal() {
			m.machine.AcknowledgeJob()
			m.sess = m.machine.Snapshot()
			m.screen = screenMain
		}
	case "ctrl+c":
		return m.quit()
	}
	return m, nil
}

func (m Model) handleBrowseKey(key string) (tea.Model, tea.Cmd) {
	page := m.browsePageSize()
	switch key {
	case "up", "k":
		if m.browseOffset > 0 {
			m.browseOffset--
		}
	case "down", "j":
		if m.browseOffset < len(m.browse)-page {
			m.browseOffset++
		}
	case "pgup":
		m.browseOffset -= page
		if m.browseOffset < 0 {
			m.browseOffset = 0
		}
	case "pgdown":
		m.browseOffset += page
		if max := len(m.browse) - page; m.browseOffset > max {
			m.browseOffset = max
		}
		if m.browseOffset < 0 {
			m.browseOffset = 0
		}
	case "esc", "q", "enter":
		m.machine.AcknowledgeJob()
		m.sess = m.machine.Snapshot()
		m.screen = screenMain
	}
	return m, nil
}

// quit tears the session down and exits the program.
func (m Model) quit() (tea.Model, tea.Cmd) {
	m.machine.Shutdown()
	if m.watcher != nil {
		m.watcher.Close()
	}
	AppendSessionLog("session ended")
	return m, tea.Quit
}

// statusLine summarizes the session for the header bar.
func (m Model) statusLine() string {
	var parts []string
	if m.sess.Device != nil {
		parts = append(parts, m.sess.Device.DisplayName())
		parts = append(parts, "mode: "+m.sess.Mode.String())
		if m.sess.RawOverride {
			parts = append(parts, "raw override")
		}
		if m.sess.LtfsMounted {
			parts = append(parts, "LTFS mounted")
		}
		if m.sess.ArchiveCount > 0 {
			parts = append(parts, fmt.Sprintf("archives: %d", m.sess.ArchiveCount))
		}
		if m.sess.CapacityBytes > 0 {
			parts = append(parts, fmt.Sprintf("capacity: %d GB", m.sess.CapacityBytes/1_000_000_000))
		}
	} else {
		parts = append(parts, "no tape device selected")
	}
	return strings.Join(parts, "  •  ")
}
