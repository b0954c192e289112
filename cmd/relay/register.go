package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

type registerCommand struct {
	Args struct {
		Address string `positional-arg-name:"address" required:"true" description:"Account address (e.g. @alice:example.org)"`
	} `positional-args:"true" required:"true"`
	Voice bool `long:"voice" description:"Request voice call instead of SMS"`
}

// readLine reads a line from stdin.
func readLine() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input")
}

func (cmd *registerCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	channel := "sms"
	if cmd.Voice {
		channel = "voice"
	}

	if err := c.Register(ctx, cmd.Args.Address, channel); err != nil {
		return err
	}
	fmt.Printf("Verification code requested for %s via %s\n", cmd.Args.Address, channel)

	fmt.Print("Enter verification code: ")
	code, err := readLine()
	if err != nil {
		return err
	}
	if err := c.Verify(ctx, code); err != nil {
		return err
	}

	fmt.Printf("Registered %s (device %d)\n", c.Address(), c.DeviceID())
	return nil
}

type verifyCommand struct {
	Args struct {
		Code string `positional-arg-name:"code" required:"true" description:"Verification code received via SMS or voice"`
	} `positional-args:"true" required:"true"`
}

func (cmd *verifyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if err := c.Verify(ctx, cmd.Args.Code); err != nil {
		return err
	}
	fmt.Printf("Registered %s (device %d)\n", c.Address(), c.DeviceID())
	return nil
}
