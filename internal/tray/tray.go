// Package tray provides a system tray interface for gazegrid.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/gazegrid/internal/grid"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle    func(enabled bool) error
	onArity     func(a grid.Arity) error
	onDashboard func()
	onQuit      func()
	enabled     bool
	arity       grid.Arity
	arities     []grid.Arity
	mu          sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuLast   *systray.MenuItem
	menuArity  map[grid.Arity]*systray.MenuItem
}

// New creates a new Tray offering the given arities, with detection off.
func New(arities []grid.Arity, active grid.Arity) *Tray {
	return &Tray{
		arity:     active,
		arities:   arities,
		menuArity: make(map[grid.Arity]*systray.MenuItem),
	}
}

// OnToggle sets the callback called when detection is switched. A returned
// error reverts the menu state.
func (t *Tray) OnToggle(fn func(enabled bool) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnArity sets the callback called when a grid arity is picked. A returned
// error keeps the previous selection.
func (t *Tray) OnArity(fn func(a grid.Arity) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onArity = fn
}

// OnDashboard sets the callback called when the dashboard item is clicked.
func (t *Tray) OnDashboard(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDashboard = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops the tray from outside the menu.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Gazegrid")
	systray.SetTooltip("Gazegrid gaze estimation")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(false), "Toggle automatic detection")
	systray.AddSeparator()

	menuGrid := systray.AddMenuItem("Grid", "Screen regions")
	for _, a := range t.arities {
		cols, rows, _ := a.Dimensions()
		item := menuGrid.AddSubMenuItemCheckbox(fmt.Sprintf("%d regions (%dx%d)", a, cols, rows), "", a == t.arity)
		t.menuArity[a] = item
		go t.watchArity(a, item)
	}

	t.menuLast = systray.AddMenuItem("Last: none", "Last estimated region")
	t.menuLast.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuDashboard := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Gazegrid")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuDashboard.ClickedCh:
				t.handleDashboard()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) watchArity(a grid.Arity, item *systray.MenuItem) {
	for range item.ClickedCh {
		t.handleArity(a)
	}
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Detecting"
	}
	return "○ Paused"
}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	enabled := !t.enabled
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		if err := callback(enabled); err != nil {
			return
		}
	}
	t.SetEnabled(enabled)
}

// handleArity handles a click on one of the grid entries.
func (t *Tray) handleArity(a grid.Arity) {
	t.mu.RLock()
	callback := t.onArity
	t.mu.RUnlock()

	if callback != nil {
		if err := callback(a); err != nil {
			t.SetArity(t.Arity())
			return
		}
	}
	t.SetArity(a)
}

// handleDashboard handles the dashboard menu item click.
func (t *Tray) handleDashboard() {
	t.mu.RLock()
	callback := t.onDashboard
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetEnabled updates the detection state shown in the menu.
func (t *Tray) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}
}

// SetArity updates the checked grid entry.
func (t *Tray) SetArity(a grid.Arity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arity = a
	for arity, item := range t.menuArity {
		if arity == a {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

// SetLastRegion updates the last estimate shown in the menu.
func (t *Tray) SetLastRegion(label string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuLast != nil {
		if label == "" {
			t.menuLast.SetTitle("Last: none")
		} else {
			t.menuLast.SetTitle("Last: " + label)
		}
	}
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Arity returns the checked grid arity.
func (t *Tray) Arity() grid.Arity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.arity
}
