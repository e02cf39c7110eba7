// Package top is the Bubble Tea model behind bridgetop, a terminal monitor
// that attaches to a running bridge as a viewer and polls its status.
package top

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/elemento-modular-cloud/rdpbridge/internal/viewer"
	"github.com/elemento-modular-cloud/rdpbridge/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	statusInterval     = 1 * time.Second
	animInterval       = 100 * time.Millisecond
)

// FrameSource is one viewer connection.
type FrameSource interface {
	ReadFrame() (ws.FrameMessage, int, error)
	Close() error
}

// DialFunc opens a viewer connection.
type DialFunc func(ctx context.Context) (FrameSource, error)

// StatusSource fetches /api/status.
type StatusSource interface {
	GetStatus() (*ws.Status, error)
}

// --- Bubble Tea messages ---

type connectedMsg struct{ src FrameSource }

type dialFailedMsg struct{ err error }

type redialMsg struct{}

type disconnectedMsg struct {
	src FrameSource
	err error
}

type frameMsg struct {
	src           FrameSource
	width, height uint16
	bytes         int
	at            time.Time
}

type statusMsg struct {
	status *ws.Status
	err    error
}

type statusTickMsg struct{}

type animTickMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	dial   DialFunc
	status StatusSource
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	keys   KeyMap
	help   help.Model
	width  int
	height int

	// Connection state.
	src       FrameSource
	connected bool
	attempts  int
	lastErr   error
	paused    bool

	// Viewer-side measurements.
	meter       *RateMeter
	spring      harmonica.Spring
	shownFPS    float64
	fpsVelocity float64
	targetFPS   float64
	frameWidth  uint16
	frameHeight uint16
	frameBytes  int
	frames      uint64
	bytes       uint64

	// Server-side status.
	bridge    *ws.Status
	statusErr error
}

// New creates the root model. targetFPS is the broadcast rate the bridge is
// configured for and only grades the frame rate display.
func New(dial DialFunc, status StatusSource, targetFPS float64) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		dial:      dial,
		status:    status,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		meter:     NewRateMeter(time.Second),
		spring:    harmonica.NewSpring(harmonica.FPS(int(time.Second/animInterval)), 6.0, 1.0),
		targetFPS: targetFPS,
	}
}

// ViewerDialer dials the bridge WebSocket at url.
func ViewerDialer(url, token string) DialFunc {
	return func(ctx context.Context) (FrameSource, error) {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := viewer.Dial(dctx, url, token)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Init starts the connection and the polling tickers.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connect(), m.pollStatus(), animTick())
}

func (m Model) connect() tea.Cmd {
	dial, ctx := m.dial, m.ctx
	return func() tea.Msg {
		src, err := dial(ctx)
		if err != nil {
			return dialFailedMsg{err: err}
		}
		return connectedMsg{src: src}
	}
}

func readFrame(src FrameSource) tea.Cmd {
	return func() tea.Msg {
		f, n, err := src.ReadFrame()
		if err != nil {
			return disconnectedMsg{src: src, err: err}
		}
		return frameMsg{src: src, width: f.Width, height: f.Height, bytes: n, at: time.Now()}
	}
}

func (m Model) pollStatus() tea.Cmd {
	if m.status == nil {
		return nil
	}
	status := m.status
	return func() tea.Msg {
		st, err := status.GetStatus()
		return statusMsg{status: st, err: err}
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func animTick() tea.Cmd {
	return tea.Tick(animInterval, func(t time.Time) tea.Msg { return animTickMsg(t) })
}

// backoff doubles the redial delay per failed attempt up to the cap.
func backoff(attempts int) time.Duration {
	d := reconnectBaseDelay
	for i := 1; i < attempts && d < reconnectMaxDelay; i++ {
		d *= 2
	}
	return min(d, reconnectMaxDelay)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectedMsg:
		if m.ctx.Err() != nil {
			msg.src.Close()
			return m, nil
		}
		m.src = msg.src
		m.connected = true
		m.attempts = 0
		m.lastErr = nil
		m.meter.Reset()
		return m, readFrame(msg.src)

	case dialFailedMsg:
		m.attempts++
		m.lastErr = msg.err
		return m, tea.Tick(backoff(m.attempts), func(time.Time) tea.Msg { return redialMsg{} })

	case redialMsg:
		if m.ctx.Err() != nil || m.connected {
			return m, nil
		}
		return m, m.connect()

	case disconnectedMsg:
		if msg.src != m.src {
			return m, nil
		}
		m.src.Close()
		m.src = nil
		m.connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		if !errors.Is(msg.err, viewer.ErrClosed) {
			m.lastErr = msg.err
		}
		return m, m.connect()

	case frameMsg:
		if msg.src != m.src {
			return m, nil
		}
		if !m.paused {
			m.meter.Observe(msg.at)
			m.frameWidth, m.frameHeight = msg.width, msg.height
			m.frameBytes = msg.bytes
			m.frames++
			m.bytes += uint64(msg.bytes)
		}
		return m, readFrame(msg.src)

	case statusTickMsg:
		return m, m.pollStatus()

	case statusMsg:
		if !m.paused {
			m.statusErr = msg.err
			if msg.err == nil {
				m.bridge = msg.status
			}
		}
		return m, statusTick()

	case animTickMsg:
		target := m.meter.Rate(time.Time(msg))
		m.shownFPS, m.fpsVelocity = m.spring.Update(m.shownFPS, m.fpsVelocity, target)
		if m.shownFPS < 0.05 && target == 0 {
			m.shownFPS, m.fpsVelocity = 0, 0
		}
		return m, animTick()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		if m.src != nil {
			m.src.Close()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.pollStatus()

	case key.Matches(msg, m.keys.Reconnect):
		// The read loop sees the close and redials.
		if m.src != nil {
			m.src.Close()
		}
		return m, nil
	}
	return m, nil
}

// Throughput is the current frame bandwidth in bytes per second.
func (m Model) Throughput() float64 {
	return m.meter.Rate(m.now()) * float64(m.frameBytes)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.renderHeader()}
	if !m.connected {
		sections = append(sections, m.renderDisconnected())
	} else {
		sections = append(sections, m.renderViewer())
	}
	sections = append(sections, m.renderBridge(), m.help.ShortHelpView(m.keys.ShortHelp()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	var conn string
	if m.connected {
		conn = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	} else {
		conn = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ Connecting...")
	}
	content := StyleHeader.Render("bridgetop") + StyleDimmed.Render(" | ") + conn
	if m.paused {
		content += StyleDimmed.Render(" | ") + lipgloss.NewStyle().Foreground(ColorWarning).Render("PAUSED")
	}
	return lipgloss.NewStyle().Width(max(m.width, 40)).Padding(0, 1).Render(content)
}

func (m Model) renderDisconnected() string {
	lines := []string{
		lipgloss.NewStyle().Bold(true).Foreground(ColorDanger).Render("DISCONNECTED"),
		StyleDimmed.Render(fmt.Sprintf("Reconnecting (attempt %d)...", m.attempts+1)),
	}
	if m.lastErr != nil {
		lines = append(lines, StyleDimmed.Render(m.lastErr.Error()))
	}
	return StylePanel.Render(strings.Join(lines, "\n"))
}

func row(label, value string) string {
	return StyleLabel.Render(label) + value
}

func (m Model) renderViewer() string {
	fps := lipgloss.NewStyle().Foreground(RateColor(m.shownFPS, m.targetFPS)).
		Render(fmt.Sprintf("%.1f fps", m.shownFPS))
	if m.targetFPS > 0 {
		fps += StyleDimmed.Render(fmt.Sprintf(" / %.0f", m.targetFPS))
	}

	res := StyleDimmed.Render("waiting for first frame")
	if m.frames > 0 {
		res = StyleValue.Render(fmt.Sprintf("%dx%d", m.frameWidth, m.frameHeight))
	}

	lines := []string{
		StyleHeader.Render("Viewer"),
		row("Resolution", res),
		row("Frame rate", fps),
		row("Frame size", StyleValue.Render(humanize.Bytes(uint64(m.frameBytes)))),
		row("Throughput", StyleValue.Render(humanize.Bytes(uint64(m.Throughput()))+"/s")),
		row("Received", StyleValue.Render(fmt.Sprintf("%s frames, %s",
			humanize.Comma(int64(m.frames)), humanize.Bytes(m.bytes)))),
	}
	return StylePanel.Render(strings.Join(lines, "\n"))
}

func (m Model) renderBridge() string {
	lines := []string{StyleHeader.Render("Bridge")}
	if m.statusErr != nil {
		lines = append(lines, StyleDimmed.Render("status unavailable: "+m.statusErr.Error()))
	}
	st := m.bridge
	if st == nil {
		if m.statusErr == nil {
			lines = append(lines, StyleDimmed.Render("no status yet"))
		}
		return StylePanel.Render(strings.Join(lines, "\n"))
	}

	state := lipgloss.NewStyle().Foreground(ColorHealthy).Render("running")
	if !st.Running {
		state = lipgloss.NewStyle().Foreground(ColorDanger).Render("stopped: " + st.StopReason)
	}
	queue := lipgloss.NewStyle().Foreground(QueueColor(st.QueueDepth)).Render(fmt.Sprint(st.QueueDepth))

	lines = append(lines,
		row("State", state),
		row("Uptime", StyleValue.Render(st.Uptime)),
		row("Viewers", StyleValue.Render(fmt.Sprint(st.Clients))),
		row("Canvas", StyleValue.Render(fmt.Sprintf("%dx%d v%d", st.Canvas.Width, st.Canvas.Height, st.Canvas.Version))),
		row("Queue", queue),
		row("Updates", StyleValue.Render(fmt.Sprintf("%s applied, %s rejected",
			humanize.Comma(int64(st.Pipeline.UpdatesApplied)), humanize.Comma(int64(st.Pipeline.UpdatesRejected))))),
		row("Frames sent", StyleValue.Render(humanize.Comma(int64(st.FramesSent)))),
		row("Input", StyleValue.Render(fmt.Sprintf("%d forwarded, %d malformed, %d limited",
			st.Input.Forwarded, st.Input.Malformed, st.Input.Limited))),
		row("Process", StyleValue.Render(fmt.Sprintf("%s RSS, %.1f%% CPU, %d goroutines",
			humanize.Bytes(st.Process.RSSBytes), st.Process.CPUPercent, st.Process.Goroutines))),
	)
	return StylePanel.Render(strings.Join(lines, "\n"))
}
