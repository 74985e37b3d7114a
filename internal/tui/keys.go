package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings of the table viewer.
type KeyMap struct {
	NextPage     key.Binding
	PreviousPage key.Binding
	FirstPage    key.Binding
	LastPage     key.Binding

	// Column focus selects the column that SortToggle acts on.
	NextColumn     key.Binding
	PreviousColumn key.Binding
	SortToggle     key.Binding

	PageSize key.Binding // Cycle through the table's page size options.

	Search       key.Binding // Focus the search box.
	SearchCommit key.Binding // Apply the query now and leave the search box.
	SearchCancel key.Binding // Leave the search box, keeping the query.
	ClearFilters key.Binding

	Reload key.Binding
	Quit   key.Binding
}

// DefaultKeyMap uses vim-style letters alongside arrow keys.
var DefaultKeyMap = KeyMap{
	NextPage: key.NewBinding(
		key.WithKeys("n", "right", "pgdown"),
		key.WithHelp("n/→", "next page"),
	),
	PreviousPage: key.NewBinding(
		key.WithKeys("p", "left", "pgup"),
		key.WithHelp("p/←", "prev page"),
	),
	FirstPage: key.NewBinding(
		key.WithKeys("g", "home"),
		key.WithHelp("g", "first"),
	),
	LastPage: key.NewBinding(
		key.WithKeys("G", "end"),
		key.WithHelp("G", "last"),
	),
	NextColumn: key.NewBinding(
		key.WithKeys("tab", "l"),
		key.WithHelp("tab", "next column"),
	),
	PreviousColumn: key.NewBinding(
		key.WithKeys("shift+tab", "h"),
		key.WithHelp("S-tab", "prev column"),
	),
	SortToggle: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "sort"),
	),
	PageSize: key.NewBinding(
		key.WithKeys("z"),
		key.WithHelp("z", "page size"),
	),
	Search: key.NewBinding(
		key.WithKeys("/"),
		key.WithHelp("/", "search"),
	),
	SearchCommit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "apply"),
	),
	SearchCancel: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "done"),
	),
	ClearFilters: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "clear filters"),
	),
	Reload: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reload"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp returns the bindings shown in the footer.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.NextPage, k.PreviousPage, k.NextColumn, k.SortToggle,
		k.PageSize, k.Search, k.ClearFilters, k.Reload, k.Quit,
	}
}
