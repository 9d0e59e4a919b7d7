package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Stop key.Binding
	Copy key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Stop: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "stop"),
	),
	Copy: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "copy summary"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "scroll backends"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "scroll backends"),
	),
}
