package main

import (
	"flag"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8081", "控制面地址")
	interval := flag.Duration("interval", time.Second, "刷新间隔")
	flag.Parse()

	// 控制面写操作的 token 与做市器共用环境变量
	client := newRestClient(*addr, os.Getenv("MM_CONTROL_TOKEN"))

	p := tea.NewProgram(newModel(client, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logrus.Fatalf("运行程序失败: %v", err)
	}
}
