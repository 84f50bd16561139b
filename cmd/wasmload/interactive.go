package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-loader/loader"
	"github.com/wippyai/wasm-loader/wasm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	ctx      context.Context
	err      error
	instance *loader.Instance
	filename string
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
	busy     bool
}

type funcInfo struct {
	name    string
	params  []paramInfo
	results []api.ValueType
}

type paramInfo struct {
	name string
	typ  api.ValueType
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(ctx context.Context, filename string, inst *loader.Instance) *interactiveModel {
	return &interactiveModel{
		ctx:      ctx,
		filename: filename,
		instance: inst,
		funcs:    exportedFuncs(inst),
		state:    stateSelectFunc,
	}
}

type callResultMsg struct {
	err    error
	result string
}

// exportedFuncs lists callable exports, skipping the ones bound to a role.
func exportedFuncs(inst *loader.Instance) []funcInfo {
	bound := make(map[string]bool)
	for _, role := range []string{
		loader.RoleAlloc, loader.RoleRealloc, loader.RoleFree, loader.RoleStoreException,
	} {
		if name := inst.Role(role); name != "" {
			bound[name] = true
		}
	}

	var funcs []funcInfo
	for _, e := range inst.Exports() {
		if e.Kind != wasm.KindFunc || bound[e.Name] {
			continue
		}
		fn := inst.Function(e.Name)
		if fn == nil {
			continue
		}
		def := fn.Definition()
		fi := funcInfo{name: e.Name, results: def.ResultTypes()}
		names := def.ParamNames()
		for i, t := range def.ParamTypes() {
			pname := fmt.Sprintf("arg%d", i)
			if i < len(names) && names[i] != "" {
				pname = names[i]
			}
			fi.params = append(fi.params, paramInfo{name: pname, typ: t})
		}
		funcs = append(funcs, fi)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].name < funcs[j].name })
	return funcs
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		// Calls run off the update loop; the instance takes one at a time.
		if m.busy {
			return m, nil
		}

		switch msg.String() {
		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "s":
			if m.state == stateSelectFunc {
				m.busy = true
				return m, m.rerunStart
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					m.busy = true
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				m.busy = true
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case callResultMsg:
		m.busy = false
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = api.ValueTypeName(p.typ)
		ti.Prompt = p.name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	f := m.funcs[m.selected]
	args := make([]uint64, len(m.inputs))
	for i, input := range m.inputs {
		v, err := parseArg(input.Value(), f.params[i].typ)
		if err != nil {
			return callResultMsg{err: fmt.Errorf("%s: %w", f.params[i].name, err)}
		}
		args[i] = v
	}

	res, err := m.instance.Call(m.ctx, f.name, args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: formatResults(res, f.results)}
}

func (m *interactiveModel) rerunStart() tea.Msg {
	if err := m.instance.Start(m.ctx); err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: fmt.Sprintf("start ran %d time(s)", m.instance.Starts())}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Loader"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("The module exports no callable functions.\n\n")
			b.WriteString(helpStyle.Render("s rerun start • q quit"))
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatFunc(f)))
			} else {
				b.WriteString("  " + m.formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • s rerun start • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(api.ValueTypeName(f.params[i].typ)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatFunc(f funcInfo) string {
	var params []string
	for _, p := range f.params {
		params = append(params, p.name+": "+typeStyle.Render(api.ValueTypeName(p.typ)))
	}
	var results []string
	for _, t := range f.results {
		results = append(results, api.ValueTypeName(t))
	}
	result := ""
	if len(results) > 0 {
		result = " -> " + typeStyle.Render(strings.Join(results, ", "))
	}
	return funcStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")" + result
}

func runInteractive(ctx context.Context, filename string, inst *loader.Instance) error {
	p := tea.NewProgram(newInteractiveModel(ctx, filename, inst), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
