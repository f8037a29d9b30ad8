package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	bidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type tickMsg time.Time

type statusMsg struct {
	st  status
	err error
}

type controlMsg struct{ err error }

// model 监控界面状态
type model struct {
	client   controlClient
	interval time.Duration

	st      status
	err     error
	updated time.Time
	notice  string
}

func newModel(c controlClient, interval time.Duration) model {
	return model{client: c, interval: interval}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.client), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "p":
			m.notice = "发送暂停..."
			return m, controlCmd(m.client, true)
		case "r":
			m.notice = "发送恢复..."
			return m, controlCmd(m.client, false)
		}
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.client), tickCmd(m.interval))
	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.st = msg.st
			m.updated = time.Now()
		}
	case controlMsg:
		if msg.err != nil {
			m.notice = "控制失败: " + msg.err.Error()
		} else {
			m.notice = "已发送"
		}
		return m, fetchCmd(m.client)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("perpmm 做市监控"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(warnStyle.Render("连接失败: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	state := bidStyle.Render("报价中")
	switch {
	case m.st.Paused:
		state = warnStyle.Render("已暂停")
	case m.st.Stale:
		state = warnStyle.Render("行情过期")
	}

	rows := []string{
		row("状态", state),
		row("买一", bidStyle.Render(fmt.Sprintf("%.2f", m.st.BestBid))),
		row("卖一", askStyle.Render(fmt.Sprintf("%.2f", m.st.BestAsk))),
		row("中间价", fmt.Sprintf("%.2f", m.st.Mid)),
		row("净持仓", fmt.Sprintf("%+.4f", m.st.NetPosition)),
		row("已实现盈亏", fmt.Sprintf("%+.4f", m.st.RealizedPnL)),
		row("成交数", fmt.Sprintf("%d", m.st.Fills)),
		row("风控触发", fmt.Sprintf("%d", m.st.RiskBreaches)),
		row("网关错误", fmt.Sprintf("%d", m.st.GatewayErrors)),
	}
	b.WriteString(borderStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if !m.updated.IsZero() {
		b.WriteString(labelStyle.Render("更新于 " + m.updated.Format("15:04:05")))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	b.WriteString(labelStyle.Render("p 暂停 · r 恢复 · q 退出"))
	return b.String()
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-6s", label)) + "  " + value
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(c controlClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		return statusMsg{st: st, err: err}
	}
}

func controlCmd(c controlClient, paused bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return controlMsg{err: c.SetPaused(ctx, paused)}
	}
}
