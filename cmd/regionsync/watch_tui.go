package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/controlplane"
	"github.com/openmined/regionsync/internal/regionsync"
)

const txtWatchHelp = "q or ctrl+c to quit"

type summaryMsg regionsync.Summary

type streamEndedMsg struct{ err error }

type watchModel struct {
	summary *regionsync.Summary
	err     error
	updated time.Time
	spinner spinner.Model
	bar     progress.Model
	width   int
}

func newWatchModel() watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cyan

	return watchModel{
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case summaryMsg:
		s := regionsync.Summary(msg)
		m.summary = &s
		m.updated = time.Now()

	case streamEndedMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	if m.summary == nil {
		b.WriteString(m.spinner.View() + " waiting for the daemon...\n")
		b.WriteString(gray.Render(txtWatchHelp) + "\n")
		return b.String()
	}

	b.WriteString(renderSummary(*m.summary, "daemon") + "\n")

	if len(m.summary.Active) > 0 {
		b.WriteString("\n" + m.spinner.View() + bold.Render(" transferring") + "\n")
		for _, p := range m.summary.Active {
			pct := 0.0
			if p.Total > 0 {
				pct = min(float64(p.Sent)/float64(p.Total), 1)
			}
			fmt.Fprintf(&b, "  %-28s %-11s %s %s\n", p.Key, p.State, m.bar.ViewAs(pct),
				gray.Render(humanize.IBytes(uint64(p.Sent))+"/"+humanize.IBytes(uint64(p.Total))))
		}
	}

	b.WriteString("\n" + gray.Render(fmt.Sprintf("updated %s · %s", m.updated.Format("15:04:05"), txtWatchHelp)) + "\n")
	return b.String()
}

func watchStatus(ctx context.Context, client *controlplane.Client, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel())
	go func() {
		err := client.Watch(ctx, interval, func(s regionsync.Summary) {
			p.Send(summaryMsg(s))
		})
		p.Send(streamEndedMsg{err: err})
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
