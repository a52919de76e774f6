package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gomlx/wuerstchen/pipelines"
	"golang.org/x/term"
	"k8s.io/klog/v2"
)

var flagProgress bool

// progressMsg reports the number of batches done.
type progressMsg struct {
	done, total int
}

// progressModel is a one line progress bar of the batches of a pipelines.Reconstructor.
type progressModel struct {
	title       string
	bar         progress.Model
	done, total int
}

func newProgressModel(title string) *progressModel {
	return &progressModel{title: title, bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))}
}

func (m *progressModel) Init() tea.Cmd {
	return nil
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.done, m.total = msg.done, msg.total
		if m.done >= m.total {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(min(msg.Width-len(m.title)-16, 80), 10)
	}
	return m, nil
}

func (m *progressModel) View() string {
	var percent float64
	if m.total > 0 {
		percent = float64(m.done) / float64(m.total)
	}
	return fmt.Sprintf("%s %s %d/%d batches\n", titleStyle.Render(m.title), m.bar.ViewAs(percent), m.done, m.total)
}

// showProgress sets r.Progress to draw a progress bar on stderr, if it is a terminal and --progress is set.
// Otherwise the progress is logged at verbosity 1. The returned function waits for the bar to be cleaned up, and
// must be called once the work is done.
func showProgress(r *pipelines.Reconstructor, title string) (stop func()) {
	if !flagProgress || !term.IsTerminal(int(os.Stderr.Fd())) {
		r.Progress = func(done, total int) {
			klog.V(1).Infof("%s: %d/%d batches", title, done, total)
		}
		return func() {}
	}
	p := tea.NewProgram(newProgressModel(title), tea.WithOutput(os.Stderr), tea.WithInput(nil))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if _, err := p.Run(); err != nil {
			klog.Warningf("progress bar failed: %v", err)
		}
	}()
	r.Progress = func(done, total int) { p.Send(progressMsg{done: done, total: total}) }
	return func() {
		p.Quit()
		<-finished
	}
}
