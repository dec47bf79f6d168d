package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"

	"github.com/openreset/openreset-go/dimcard"
)

const (
	AppVersion = "0.3.0"
)

// Quick way to fail on error, since most commands are "doing" something on
// behalf of something else.
func fatalIfErr(subject string, doing string, err error) {
	if err != nil {
		log.Fatalf("%s - Couldn't %s: %s", subject, doing, err)
	}
}

// Most commands need this, so... yeah
func PrintJson(obj interface{}) {
	rawjson, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		log.Fatalln("Couldn't serialize json: ", err)
	}
	fmt.Println(string(rawjson))
}

func loadConfig() *dimcard.Config {
	config, err := dimcard.LoadConfig(cli.Config)
	fatalIfErr(cli.Config, "load config", err)
	return config
}

func loadRegistry(config *dimcard.Config) *dimcard.PlanRegistry {
	registry := dimcard.NewPlanRegistry()
	if config.PlanDir != "" {
		err := dimcard.LoadPlanScriptDir(config.PlanDir, registry)
		fatalIfErr(config.PlanDir, "load plan scripts", err)
	}
	return registry
}

func resolvePort(config *dimcard.Config, port string) string {
	if port != "" {
		return port
	}
	return config.Port
}

func connectBridge(config *dimcard.Config, port string) (io.ReadWriteCloser, *dimcard.BridgeTransport) {
	device := resolvePort(config, port)
	conn, info, err := dimcard.ConnectBridge(device)
	fatalIfErr(device, "connect to reader bridge", err)
	log.Printf("Connected to reader bridge %s\n", info.SmallString())
	return conn, dimcard.NewBridgeTransport(conn)
}

// Wait for a debounced insertion plus the settle delay, so one-shot
// commands behave the same as the device loop.
func waitForCard(tr *dimcard.BridgeTransport, config *dimcard.Config) {
	present, err := tr.CardDetect()
	fatalIfErr("card", "sample card detect", err)
	if !present {
		log.Printf("Waiting for card insertion...")
		poller := dimcard.NewPresencePoller(tr)
		poller.Interval = time.Duration(config.PollIntervalMs) * time.Millisecond
		poller.Window = time.Duration(config.DebounceMs) * time.Millisecond
		err = poller.WaitFor(context.Background(), true)
		fatalIfErr("card", "wait for insertion", err)
	}
	time.Sleep(time.Duration(config.SettleMs) * time.Millisecond)
}

// **********************************
// *        DEVICE COMMANDS         *
// **********************************

type ScanCmd struct {
}

func (c *ScanCmd) Run() error {
	devices, err := dimcard.GetBridgeDevices()
	fatalIfErr("scan", "pull devices", err)
	log.Printf("Scan found %d viable reader bridges\n", len(devices))
	PrintJson(devices)
	return nil
}

type IdentifyCmd struct {
	Port string `arg:"" default:"" help:"The serial port of the reader bridge ('any' or blank for first found)"`
}

func (c *IdentifyCmd) Run() error {
	config := loadConfig()
	conn, tr := connectBridge(config, c.Port)
	defer conn.Close()
	waitForCard(tr, config)
	flash := dimcard.NewSpiFlashRetry(tr, config.Retry())
	identity, err := dimcard.Classify(flash)
	fatalIfErr("card", "classify card", err)
	PrintJson(map[string]interface{}{
		"Family":  identity.Family,
		"Version": identity.Version,
		"Serial":  identity.SerialString(),
		"Jedec":   identity.Jedec.String(),
		"Chip":    identity.Chip,
	})
	return nil
}

// **********************************
// *        SESSION COMMANDS        *
// **********************************

type ResetCmd struct {
	Port string `arg:"" default:"" help:"The serial port of the reader bridge"`
}

// One full session against the currently (or next) inserted card, then exit.
func (c *ResetCmd) Run() error {
	config := loadConfig()
	conn, tr := connectBridge(config, c.Port)
	defer conn.Close()
	registry := loadRegistry(config)
	waitForCard(tr, config)

	poller := dimcard.NewPresencePoller(tr)
	poller.Interval = time.Duration(config.PollIntervalMs) * time.Millisecond
	poller.Window = time.Duration(config.DebounceMs) * time.Millisecond
	sessCtx, cancel := poller.CancelOnRemoval(context.Background())
	defer cancel()

	flash := dimcard.NewSpiFlashRetry(tr, config.Retry())
	engine := dimcard.NewEngine(flash, registry)
	engine.Bridge = dimcard.NewIndicatorBridge(dimcard.NewLedIndicator(tr))
	sess := engine.RunSession(sessCtx)

	switch sess.Phase {
	case dimcard.PhaseCompleted:
		log.Printf("Card reset complete")
		return nil
	case dimcard.PhaseIdle:
		return fmt.Errorf("Card was removed before the session finished")
	default:
		return fmt.Errorf("Session failed: %s (blink code %d)", sess.Err, dimcard.BlinkCount(sess.Err.Kind))
	}
}

type RunCmd struct {
	Port string `arg:"" default:"" help:"The serial port of the reader bridge"`
}

// The appliance mode: loop forever, one session per insertion, LEDs showing
// state, until interrupted.
func (c *RunCmd) Run() error {
	config := loadConfig()
	conn, tr := connectBridge(config, c.Port)
	defer conn.Close()
	registry := loadRegistry(config)

	device := dimcard.NewDevice(tr, registry)
	device.Presence.Interval = time.Duration(config.PollIntervalMs) * time.Millisecond
	device.Presence.Window = time.Duration(config.DebounceMs) * time.Millisecond
	device.SettleDelay = time.Duration(config.SettleMs) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.Printf("Device loop running, insert a card (ctrl-c to quit)")
	err := device.Run(ctx)
	if ctx.Err() != nil {
		log.Printf("Device loop stopped")
		return nil
	}
	return err
}

// **********************************
// *        UTILITY COMMANDS        *
// **********************************

type PlansCmd struct {
}

func (c *PlansCmd) Run() error {
	config := loadConfig()
	registry := loadRegistry(config)
	PrintJson(registry.Available())
	return nil
}

type DumpCmd struct {
	Port    string `arg:"" help:"The serial port of the reader bridge"`
	Offset  uint32 `arg:"" help:"Start offset on the card"`
	Length  int    `arg:"" help:"Number of bytes to read"`
	Outfile string `arg:"" help:"File to write the dump to"`
}

// Raw region dump, for inspecting cards and crafting plan scripts.
func (c *DumpCmd) Run() error {
	config := loadConfig()
	conn, tr := connectBridge(config, c.Port)
	defer conn.Close()
	waitForCard(tr, config)
	flash := dimcard.NewSpiFlashRetry(tr, config.Retry())
	data, err := flash.Read(c.Offset, c.Length)
	fatalIfErr("card", "read region", err)
	err = os.WriteFile(c.Outfile, data, 0644)
	fatalIfErr(c.Outfile, "write dump file", err)
	log.Printf("Dumped %d bytes from 0x%06x to %s\n", c.Length, c.Offset, c.Outfile)
	PrintJson(map[string]interface{}{
		"Outfile":  c.Outfile,
		"Length":   c.Length,
		"Checksum": dimcard.ChecksumBytes(data).String(),
	})
	return nil
}

type ChecksumCmd struct {
	Infile string `arg:"" help:"File to hash"`
}

// Hash a payload file the way plan preconditions/postconditions expect.
func (c *ChecksumCmd) Run() error {
	data, err := os.ReadFile(c.Infile)
	fatalIfErr(c.Infile, "read file", err)
	PrintJson(map[string]interface{}{
		"Infile":   c.Infile,
		"Length":   len(data),
		"Checksum": dimcard.ChecksumBytes(data).String(),
	})
	return nil
}

var cli struct {
	Scan     ScanCmd          `cmd:"" help:"Search for reader bridges and return basic information on them"`
	Identify IdentifyCmd      `cmd:"" help:"Identify the inserted card (family, serial, chip)"`
	Reset    ResetCmd         `cmd:"" help:"Run one reset/patch session against the inserted card"`
	Run      RunCmd           `cmd:"" help:"Run the appliance loop: reset every card as it is inserted"`
	Plans    PlansCmd         `cmd:"" help:"List the registered operation plans"`
	Dump     DumpCmd          `cmd:"" help:"Read a raw region off the card into a file"`
	Checksum ChecksumCmd      `cmd:"" help:"Compute the plan checksum of a file"`
	Config   string           `short:"c" default:"openreset.toml" help:"Path to the device config file"`
	Version  kong.VersionFlag `help:"Show version information"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("openreset"),
		kong.ShortUsageOnError(),
		kong.Description("A set of tools for resetting and patching cards through a reader bridge"),
		kong.Vars{
			"version": AppVersion,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
