// Command relay is a CLI for the Relay secure messaging service.
//
// Usage:
//
//	relay register <address>   Register a new account
//	relay send <to> <msg>      Send a text message
//	relay receive              Receive and print incoming messages
package main

import (
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/relayfed/relay-go"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	Account string `short:"a" long:"account" description:"Address of account to use (e.g. @alice:example.org)"`
	API     string `long:"api" description:"Override API base URL"`
	WS      string `long:"ws" description:"Override WebSocket base URL"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Register    registerCommand    `command:"register" description:"Register a new account"`
	Verify      verifyCommand      `command:"verify" description:"Submit the verification code to finish registration"`
	Status      statusCommand      `command:"status" description:"Show local account state"`
	Send        sendCommand        `command:"send" description:"Send a text message"`
	Receive     receiveCommand     `command:"receive" description:"Receive and print incoming messages"`
	Devices     devicesCommand     `command:"devices" description:"List registered devices for this account"`
	RefreshKeys refreshKeysCommand `command:"refresh-keys" description:"Replenish pre-keys and rotate the signed pre-key if due"`
	Unregister  unregisterCommand  `command:"unregister" description:"Delete the account from the server"`
	Reregister  reregisterCommand  `command:"reregister" description:"Request a new verification code for a deregistered account"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []client.Option {
	var copts []client.Option
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.API != "" {
		copts = append(copts, client.WithAPIURL(opts.API))
	}
	if opts.WS != "" {
		copts = append(copts, client.WithWSURL(opts.WS))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts
}

// loadClient opens the account selected by --account or --db. Commands that
// require a registered account call this and exit with a message when none
// is found.
func loadClient() *client.Client {
	var (
		c   *client.Client
		err error
	)
	if opts.Account != "" && opts.DB == "" {
		c, err = client.Open(opts.Account, clientOpts()...)
	} else {
		c, err = client.NewClient(clientOpts()...)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
