package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
)

type statusCommand struct{}

func (cmd *statusCommand) Execute(args []string) error {
	c := loadClient()
	defer c.Close()

	address := c.Address()
	if address == "" {
		fmt.Println("No registered account")
		return nil
	}
	fmt.Printf("Address:   %s\n", address)
	fmt.Printf("Device ID: %d\n", c.DeviceID())

	if key, err := c.IdentityKey(); err == nil {
		fmt.Printf("Identity:  %s\n", base64.RawStdEncoding.EncodeToString(key))
	}
	return nil
}

type refreshKeysCommand struct{}

func (cmd *refreshKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if err := c.RefreshKeys(ctx); err != nil {
		return err
	}
	fmt.Println("Pre-keys refreshed")
	return nil
}

type unregisterCommand struct {
	Yes bool `long:"yes" description:"Skip confirmation prompt"`
}

func (cmd *unregisterCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if !cmd.Yes {
		fmt.Printf("Delete account %s from the server? [y/N] ", c.Address())
		answer, err := readLine()
		if err != nil || (answer != "y" && answer != "Y") {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := c.Unregister(ctx); err != nil {
		return err
	}
	fmt.Println("Account unregistered")
	return nil
}

type reregisterCommand struct {
	Voice bool `long:"voice" description:"Request voice call instead of SMS"`
}

func (cmd *reregisterCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	channel := "sms"
	if cmd.Voice {
		channel = "voice"
	}
	if err := c.Reregister(ctx, channel); err != nil {
		return err
	}
	fmt.Println("Verification code requested; run 'relay verify <code>' to finish")
	return nil
}
