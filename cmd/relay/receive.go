package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	client "github.com/relayfed/relay-go"
)

type receiveCommand struct {
	N        int  `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
	Receipts bool `long:"receipts" description:"Send delivery receipts for received messages"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		ts := time.UnixMilli(int64(msg.Timestamp)).Format("2006-01-02 15:04:05")
		switch msg.Content.Kind {
		case client.ContentKindReceipt:
			fmt.Printf("[%s] %s.%d delivered\n", ts, msg.Sender, msg.SenderDevice)
			continue
		default:
			fmt.Printf("[%s] %s: %s\n", ts, msg.Sender, msg.Content.Body)
		}
		if cmd.Receipts {
			if _, err := c.SendReceipt(ctx, msg.Sender, msg.Timestamp); err != nil {
				fmt.Fprintf(os.Stderr, "receipt to %s: %v\n", msg.Sender, err)
			}
		}
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}

	return nil
}
