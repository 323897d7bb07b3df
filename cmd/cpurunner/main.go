// cpurunner drives the SM83 core headlessly against blargg/mooneye-style
// test ROMs, without the ebiten front-end. It is the harness command the
// core's own CI/test workflows invoke; loading ROM files, writing trace
// logs, and inspecting RTC save blobs are all host-side concerns kept out
// of the core itself.
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"gbcore/internal/cpu"
	"gbcore/internal/mmu"
)

func main() {
	app := cli.NewApp()
	app.Name = "cpurunner"
	app.Usage = "headless SM83 core driver for ROM test harnesses"
	app.Commands = []cli.Command{
		runCommand(),
		traceCommand(),
		rtcInspectCommand(),
		batchCommand(),
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// runOptions configures a single headless ROM run; shared by the run,
// trace, and batch subcommands.
type runOptions struct {
	romPath    string
	bootPath   string
	steps      int
	startPC    int
	until      string
	auto       bool
	timeout    time.Duration
}

type runResult struct {
	passed    bool
	steps     int
	cycles    int
	elapsed   time.Duration
	lastStage string
	serial    string
}

var failRe = regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)
var stageRe = regexp.MustCompile(`\b(\d{2}:\d{2})\b`)

// runROM loads opts.romPath, executes the CPU loop, and returns a
// pass/fail/timeout verdict. traceSink, if non-nil, receives one line per
// executed instruction in the same format the original trace flag printed.
func runROM(opts runOptions, traceSink io.Writer) (runResult, error) {
	rom, err := os.ReadFile(opts.romPath)
	if err != nil {
		return runResult{}, fmt.Errorf("read rom: %w", err)
	}
	var boot []byte
	if opts.bootPath != "" {
		boot, err = os.ReadFile(opts.bootPath)
		if err != nil {
			return runResult{}, fmt.Errorf("read bootrom: %w", err)
		}
	}

	b := mmu.New(rom)
	if len(boot) >= 0x100 {
		b.SetBootROM(boot)
	}

	var ser bytes.Buffer
	w := io.Writer(&discard{})
	if opts.until != "" || opts.auto {
		w = &ser
	}
	if traceSink != nil {
		w = io.MultiWriter(w, traceSink)
	}
	b.SetSerialWriter(w)

	c := cpu.New(b)
	if len(boot) >= 0x100 {
		c.SP = 0xFFFE
		c.PC = 0x0000
		c.IME = false
	} else {
		c.ResetNoBoot()
		c.SetPC(uint16(opts.startPC))
		b.Write(0xFF00, 0xCF)
		b.Write(0xFF05, 0x00)
		b.Write(0xFF06, 0x00)
		b.Write(0xFF07, 0x00)
		b.Write(0xFF40, 0x91)
		b.Write(0xFF42, 0x00)
		b.Write(0xFF43, 0x00)
		b.Write(0xFF45, 0x00)
		b.Write(0xFF47, 0xFC)
		b.Write(0xFF48, 0xFF)
		b.Write(0xFF49, 0xFF)
		b.Write(0xFF4A, 0x00)
		b.Write(0xFF4B, 0x00)
		b.Write(0xFFFF, 0x00)
	}

	start := time.Now()
	var deadline time.Time
	if opts.timeout > 0 {
		deadline = start.Add(opts.timeout)
	}
	lastStage := ""
	var cycles int
	steps := opts.steps
	if steps <= 0 {
		steps = 5_000_000
	}

	for i := 0; i < steps; i++ {
		pc := c.PC
		var op byte
		if traceSink != nil {
			op = b.Read(pc)
		}
		cyc := c.Step()
		cycles += cyc
		if traceSink != nil {
			fmt.Fprintf(traceSink, "PC=%04X OP=%02X cyc=%d A=%02X F=%02X B=%02X C=%02X D=%02X E=%02X H=%02X L=%02X SP=%04X IME=%t IF=%02X IE=%02X\n",
				pc, op, cyc, c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L, c.SP, c.IME, b.Read(0xFF0F), b.Read(0xFFFF))
		}
		if opts.auto || opts.until != "" {
			s := ser.String()
			if mm := stageRe.FindAllString(s, -1); len(mm) > 0 {
				lastStage = mm[len(mm)-1]
			}
			switch {
			case opts.auto && strings.Contains(strings.ToLower(s), "passed"):
				return runResult{true, i + 1, cycles, time.Since(start), lastStage, s}, nil
			case opts.auto && failRe.MatchString(s):
				return runResult{false, i + 1, cycles, time.Since(start), lastStage, s}, nil
			case opts.until != "" && strings.Contains(strings.ToLower(s), strings.ToLower(opts.until)):
				return runResult{true, i + 1, cycles, time.Since(start), lastStage, s}, nil
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return runResult{false, i + 1, cycles, time.Since(start), lastStage, ser.String()}, fmt.Errorf("timeout after %s", time.Since(start).Truncate(time.Millisecond))
		}
	}
	return runResult{false, steps, cycles, time.Since(start), lastStage, ser.String()}, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func sharedFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "rom", Usage: "path to ROM (.gb)"},
		cli.StringFlag{Name: "bootrom", Usage: "optional DMG boot ROM to run from 0x0000 until FF50 disables it"},
		cli.IntFlag{Name: "steps", Value: 5_000_000, Usage: "max CPU steps to run"},
		cli.IntFlag{Name: "pc", Value: 0x0100, Usage: "initial PC value (ignored with -bootrom)"},
		cli.StringFlag{Name: "until", Value: "Passed", Usage: "stop when serial output contains this substring; empty disables"},
		cli.BoolFlag{Name: "auto", Usage: "auto-detect 'Passed' / 'Failed N tests' and set exit code"},
		cli.DurationFlag{Name: "timeout", Usage: "optional wall-clock timeout (e.g. 30s, 2m)"},
	}
}

func optsFromFlags(c *cli.Context) runOptions {
	return runOptions{
		romPath:    c.String("rom"),
		bootPath:   c.String("bootrom"),
		steps:      c.Int("steps"),
		startPC:    c.Int("pc"),
		until:      c.String("until"),
		auto:       c.Bool("auto"),
		timeout:    c.Duration("timeout"),
	}
}

func printResult(r runResult) {
	fmt.Printf("\nDone: steps=%d cycles~=%d elapsed=%s\n", r.steps, r.cycles, r.elapsed.Truncate(time.Millisecond))
	if r.lastStage != "" {
		fmt.Printf("Last stage seen: %s\n", r.lastStage)
	}
}

func runCommand() cli.Command {
	return cli.Command{
		Name:  "run",
		Usage: "run a ROM headlessly and report pass/fail via serial output",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			opts := optsFromFlags(c)
			if opts.romPath == "" {
				return cli.NewExitError("-rom is required", 2)
			}
			r, err := runROM(opts, nil)
			if err != nil {
				printResult(r)
				return cli.NewExitError(err.Error(), 2)
			}
			printResult(r)
			if opts.auto && !r.passed {
				return cli.NewExitError("ROM reported failure", 1)
			}
			return nil
		},
	}
}

func traceCommand() cli.Command {
	return cli.Command{
		Name:  "trace",
		Usage: "run a ROM printing a PC/opcode/register trace to stdout",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			opts := optsFromFlags(c)
			if opts.romPath == "" {
				return cli.NewExitError("-rom is required", 2)
			}
			r, err := runROM(opts, os.Stdout)
			printResult(r)
			if err != nil {
				return cli.NewExitError(err.Error(), 2)
			}
			return nil
		},
	}
}

func rtcInspectCommand() cli.Command {
	return cli.Command{
		Name:  "rtc-inspect",
		Usage: "decode an MBC3 RTC save file (the 23-byte \"RTC1\" blob)",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "file", Usage: "path to the .rtc file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("file")
			if path == "" {
				return cli.NewExitError("-file is required", 2)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return cli.NewExitError(err.Error(), 2)
			}
			if len(data) < 23 || string(data[:4]) != "RTC1" {
				return cli.NewExitError("not a recognized RTC1 blob", 1)
			}
			fmt.Printf("magic=%q version=%d seconds=%d minutes=%d hours=%d days=%d halt=%v carry=%v\n",
				data[:4], data[4], data[17]&0x3F, data[18]&0x3F, data[19]&0x1F,
				uint16(data[20])|uint16(data[21])<<8, data[22]&0x01 != 0, data[22]&0x02 != 0)
			return nil
		},
	}
}

// batchCommand runs several ROMs concurrently, one independent MMU/CPU pair
// per ROM (no shared mutable state between them), and summarizes pass/fail.
// Each ROM's run stays strictly single-threaded internally per the core's
// cooperative-scheduling model; errgroup only fans out across ROMs.
func batchCommand() cli.Command {
	return cli.Command{
		Name:  "batch",
		Usage: "run multiple ROMs concurrently and summarize results",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "steps", Value: 5_000_000},
			cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			roms := c.Args()
			if len(roms) == 0 {
				return cli.NewExitError("pass one or more ROM paths", 2)
			}
			results := make([]runResult, len(roms))
			errs := make([]error, len(roms))
			var g errgroup.Group
			for i, rom := range roms {
				i, rom := i, rom
				g.Go(func() error {
					opts := runOptions{
						romPath: rom, steps: c.Int("steps"), until: "Passed",
						timeout: c.Duration("timeout"),
					}
					r, err := runROM(opts, nil)
					results[i] = r
					errs[i] = err
					return nil
				})
			}
			_ = g.Wait()
			failures := 0
			for i, rom := range roms {
				status := "PASS"
				if errs[i] != nil {
					status = "ERROR: " + errs[i].Error()
					failures++
				} else if !results[i].passed {
					status = "FAIL"
					failures++
				}
				fmt.Printf("%-40s %s (steps=%d cycles~=%d elapsed=%s)\n", rom, status,
					results[i].steps, results[i].cycles, results[i].elapsed.Truncate(time.Millisecond))
			}
			if failures > 0 {
				return cli.NewExitError(fmt.Sprintf("%d/%d ROMs failed", failures, len(roms)), 1)
			}
			return nil
		},
	}
}
