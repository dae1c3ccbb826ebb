package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/omochice/toy-pair-chat/internal/client"
	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"go.uber.org/zap"
)

func main() {
	// Parse command-line flags
	serverAddr := flag.String("server", "localhost:3001", "Server address (e.g., localhost:3001 or ws://localhost:3001/ws)")
	transport := flag.String("transport", "ws", "Transport to use: ws or tcp")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn or error")
	flag.Parse()

	log, err := logger.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pair chat client: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	c, err := client.New(*serverAddr, *transport, log)
	if err != nil {
		log.Fatal("invalid client options", zap.Error(err))
	}

	// Connect to server
	if err := c.Connect(); err != nil {
		log.Fatal("failed to connect to server", zap.String("server", *serverAddr), zap.Error(err))
	}
	defer c.Disconnect()

	fmt.Printf("Connected to %s over %s\n", *serverAddr, *transport)

	// Display events until the server goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for ev := range c.Events() {
			if line := describe(ev); line != "" {
				fmt.Println(line)
			}
		}
		fmt.Println("*** Disconnected from server, press Enter to exit ***")
	}()

	// Read from stdin and send messages
	fmt.Println("Type your messages (or '/quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-closed:
			return
		default:
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}

		if err := send(c, text); err != nil {
			log.Warn("failed to send message", zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("error reading input", zap.Error(err))
	}
}

// send frames a message with typing signals so the partner sees it coming.
func send(c client.Client, text string) error {
	if err := c.Typing(); err != nil {
		return err
	}
	if err := c.SendMessage(text); err != nil {
		return err
	}
	return c.StopTyping()
}

func describe(ev protocol.Event) string {
	switch ev.Type {
	case protocol.EventWaiting:
		return "*** Waiting for a partner... ***"
	case protocol.EventPartnerConnected:
		return fmt.Sprintf("*** Connected with a stranger (%s) ***", ev.PartnerID)
	case protocol.EventReceiveMsg:
		return "[stranger]: " + ev.Message
	case protocol.EventTyping:
		return "*** stranger is typing... ***"
	case protocol.EventPartnerLeft:
		return "*** Your partner left the chat ***"
	default:
		return ""
	}
}
