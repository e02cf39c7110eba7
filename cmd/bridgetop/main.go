package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/elemento-modular-cloud/rdpbridge/internal/top"
	"github.com/elemento-modular-cloud/rdpbridge/internal/viewer"
)

func main() {
	wsURL := pflag.String("url", "ws://127.0.0.1:9000/ws", "WebSocket URL of the bridge")
	token := pflag.String("token", "", "Auth token (if the bridge requires it)")
	interval := pflag.Duration("broadcast-interval", 33*time.Millisecond, "Broadcast interval the bridge runs with, for grading the frame rate")
	logFile := pflag.String("log", "", "Write logs to this file instead of discarding them")
	pflag.Parse()

	// The alternate screen owns the terminal.
	log.SetOutput(io.Discard)
	if *logFile != "" {
		f, err := tea.LogToFile(*logFile, "bridgetop")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	httpBase, err := viewer.HTTPBase(*wsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	target := 0.0
	if *interval > 0 {
		target = float64(time.Second) / float64(*interval)
	}

	m := top.New(top.ViewerDialer(*wsURL, *token), viewer.NewHTTPClient(httpBase, *token), target)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
