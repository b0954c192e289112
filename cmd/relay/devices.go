package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

type devicesCommand struct{}

func (cmd *devicesCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	devices, err := c.Devices(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-6s %-20s %-20s %s\n", "ID", "NAME", "CREATED", "LAST SEEN")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		created := time.UnixMilli(int64(d.Created)).Format("2006-01-02 15:04")
		lastSeen := time.UnixMilli(int64(d.LastSeen)).Format("2006-01-02 15:04")
		fmt.Printf("%-6d %-20s %-20s %s\n", d.ID, name, created, lastSeen)
	}
	return nil
}
