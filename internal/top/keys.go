package top

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for bridgetop.
type KeyMap struct {
	Quit      key.Binding
	Reconnect key.Binding
	Pause     key.Binding
	Refresh   key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reconnect"),
		),
		Pause: key.NewBinding(
			key.WithKeys("p", " "),
			key.WithHelp("p", "pause"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "refresh status"),
		),
	}
}

// ShortHelp lists the bindings shown in the footer.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Refresh, k.Reconnect, k.Quit}
}

// FullHelp is ShortHelp in a single column.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
