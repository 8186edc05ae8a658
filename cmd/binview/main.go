package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oisee/binview/pkg/cpus"
	"github.com/oisee/binview/pkg/disasm"
	"github.com/oisee/binview/pkg/memory"
	"github.com/oisee/binview/pkg/parse"
	"github.com/oisee/binview/pkg/report"
	"github.com/oisee/binview/pkg/types"
)

// maxLoops bounds the fixed-point iteration.
const maxLoops = 50

func main() {
	var memmapPath string
	var typesPath string
	var jsonPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "binview [flags] <name>=<path>...",
		Short: "binview — intelligent static disassembler",
		Long: "binview disassembles a memory-mapped binary image described by a\n" +
			"memory map, runs abstract execution over the discovered blocks, and\n" +
			"dumps the annotated program.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(verbose)

			images, err := loadImages(args)
			if err != nil {
				return err
			}

			typemap := types.NewMap()
			tf, err := os.Open(typesPath)
			if err != nil {
				return fmt.Errorf("unable to open type list: %w", err)
			}
			err = parse.ParseTypeMap(tf, typemap)
			tf.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", typesPath, err)
			}

			mem := memory.New()
			mf, err := os.Open(memmapPath)
			if err != nil {
				return fmt.Errorf("unable to open memory map: %w", err)
			}
			mapres, err := parse.ParseMemoryMap(mf, mem, typemap, images)
			mf.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", memmapPath, err)
			}

			cpuName := mapres.CPUName
			if cpuName == "" {
				cpuName = "arm"
			}
			cpu, ok := cpus.Pick(cpuName)
			if !ok {
				return fmt.Errorf("unknown CPU type %q", cpuName)
			}

			d := disasm.New(mem, cpu)
			for _, entry := range mapres.Entrypoints {
				d.ConvertFrom(entry)
			}

			passCount := 0
			for passCount < maxLoops {
				cont := false
				cont = d.ConvertQueue() > 0 || cont
				cont = d.PassBlockRun() > 0 || cont
				cont = d.PassCallingConv() > 0 || cont
				if !cont {
					break
				}
				passCount++
			}
			log.Debugf("pass count = %d", passCount)
			log.Debugf("instruction count = %d", d.InstrCount())

			if jsonPath != "" {
				if err := report.Save(jsonPath, report.Build(d)); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
			}
			return d.Dump(os.Stdout)
		},
	}

	rootCmd.Flags().StringVarP(&memmapPath, "memmap", "m", "memorymap.txt", "memory map filename")
	rootCmd.Flags().StringVarP(&typesPath, "types", "t", "types.txt", "type list filename")
	rootCmd.Flags().StringVar(&jsonPath, "json", "", "write a JSON report to this path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging configures the level from BINVIEW_LOG, or debug with -v.
func setupLogging(verbose bool) {
	log.SetLevel(log.WarnLevel)
	if lv, err := log.ParseLevel(os.Getenv("BINVIEW_LOG")); err == nil {
		log.SetLevel(lv)
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// loadImages reads each <name>=<path> argument into memory.
func loadImages(args []string) (map[string][]byte, error) {
	images := make(map[string][]byte)
	for _, a := range args {
		name, path, ok := strings.Cut(a, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("argument %q is not of the form <name>=<path>", a)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read input %q: %w", name, err)
		}
		images[name] = data
	}
	return images, nil
}
