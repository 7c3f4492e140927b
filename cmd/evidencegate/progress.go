// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// taskDoneMsg ends the spinner program.
type taskDoneMsg struct{}

// spinnerModel shows a spinner and a label until the task finishes.
type spinnerModel struct {
	spinner spinner.Model
	label   string
	started time.Time
	done    bool
}

func newSpinnerModel(label string) spinnerModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorTeal)
	return spinnerModel{spinner: sp, label: label, started: time.Now()}
}

func (m spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case taskDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m spinnerModel) View() string {
	if m.done {
		return ""
	}
	elapsed := time.Since(m.started).Round(time.Second)
	return m.spinner.View() + " " + m.label + " " + labelStyle.UnsetWidth().Render(elapsed.String()) + "\n"
}

// runWithSpinner runs task while a spinner is drawn on out. When out is not
// a terminal the task just runs. The task's error is returned; a spinner
// failure is only logged.
func runWithSpinner(ctx context.Context, out io.Writer, label string, task func(context.Context) error) error {
	if !isTerminal(out) {
		return task(ctx)
	}

	p := tea.NewProgram(newSpinnerModel(label),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithContext(ctx),
	)
	done := make(chan error, 1)
	go func() {
		done <- task(ctx)
		p.Send(taskDoneMsg{})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		slog.Debug("spinner stopped", slog.String("error", err.Error()))
	}
	return <-done
}
