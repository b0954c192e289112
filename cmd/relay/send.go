package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Recipient address (e.g. @bob:example.org)"`
		Message   string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	report, err := c.Send(ctx, cmd.Args.Recipient, cmd.Args.Message)
	if err != nil {
		return err
	}

	for _, failed := range report.Failed() {
		fmt.Fprintf(os.Stderr, "device %d: %v\n", failed.DeviceID, failed.Err)
	}
	fmt.Printf("Message sent to %s\n", cmd.Args.Recipient)
	return nil
}
