package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/entrhq/webpilot/pkg/blocklist"
	"github.com/entrhq/webpilot/pkg/browser"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/portprobe"
)

var wellKnownEnvKeys = []struct {
	envVar  string
	enables string
}{
	{"OPENAI_API_KEY", "openai models"},
	{"GEMINI_API_KEY", "gemini models"},
	{"GOOGLE_API_KEY", "gemini models"},
	{"OLLAMA_HOST", "ollama models"},
}

func doctorCmd(flags *globalFlags) *cobra.Command {
	var install bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check binaries, API keys and port ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "webpilot doctor")
			fmt.Fprintln(out)
			missing := checkBinaries(out, cfg)
			checkEnv(out)
			checkRanges(out, cfg)
			checkBlocklist(out, cfg)

			if install {
				fmt.Fprintln(out, "Installing the playwright driver...")
				if err := browser.Install(); err != nil {
					return fmt.Errorf("failed to install playwright driver: %w", err)
				}
				fmt.Fprintln(out, "  done")
			}
			if missing > 0 {
				return fmt.Errorf("%d required binaries not found", missing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&install, "install", false, "install the playwright driver")
	return cmd
}

func checkBinaries(out io.Writer, cfg *config.Config) int {
	bins := []struct {
		name     string
		path     string
		required bool
	}{
		{"Xvnc", cfg.Display.XvncPath, true},
		{"websockify", cfg.Bridge.WebsockifyPath, true},
		{"chrome", cfg.Browser.ChromePath, true},
		{"bwrap", cfg.Browser.BwrapPath, cfg.Browser.Sandbox},
	}

	missing := 0
	fmt.Fprintln(out, "Binaries:")
	for _, b := range bins {
		path, err := exec.LookPath(b.path)
		switch {
		case err == nil:
			fmt.Fprintf(out, "  %-12s %s\n", b.name, path)
		case b.required:
			fmt.Fprintf(out, "  %-12s not found (%s)\n", b.name, b.path)
			missing++
		default:
			fmt.Fprintf(out, "  %-12s not found, not needed\n", b.name)
		}
	}
	fmt.Fprintln(out)
	return missing
}

func checkEnv(out io.Writer) {
	fmt.Fprintln(out, "Model credentials:")
	for _, k := range wellKnownEnvKeys {
		if os.Getenv(k.envVar) != "" {
			fmt.Fprintf(out, "  %-16s set (%s)\n", k.envVar, k.enables)
		} else {
			fmt.Fprintf(out, "  %-16s not set\n", k.envVar)
		}
	}
	fmt.Fprintln(out)
}

func checkRanges(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Port ranges:")
	if d, p, err := portprobe.FindFreeDisplay(cfg.Display.Range); err != nil {
		fmt.Fprintf(out, "  %-12s %v\n", "display", err)
	} else {
		fmt.Fprintf(out, "  %-12s first free :%d (port %d)\n", "display", d, p)
	}
	ranges := []struct {
		name string
		r    portprobe.Range
	}{
		{"bridge", cfg.Bridge.Range},
		{"debug", cfg.Browser.Range},
	}
	for _, rg := range ranges {
		if p, err := portprobe.FindFreePort(rg.r); err != nil {
			fmt.Fprintf(out, "  %-12s %v\n", rg.name, err)
		} else {
			fmt.Fprintf(out, "  %-12s first free %d of %d..%d\n", rg.name, p, rg.r.First(), rg.r.Last())
		}
	}
	fmt.Fprintln(out)
}

func checkBlocklist(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Blocklist:")
	defer fmt.Fprintln(out)
	if !cfg.Blocklist.Enabled {
		fmt.Fprintln(out, "  disabled")
		return
	}
	r, err := blocklist.New(blocklist.Options{
		URL:    cfg.Blocklist.URL,
		Path:   cfg.BlocklistPath(),
		MaxAge: cfg.Blocklist.Refresh,
	})
	if err != nil {
		fmt.Fprintf(out, "  %v\n", err)
		return
	}
	age, ok := r.Age()
	if !ok {
		fmt.Fprintf(out, "  %s not downloaded yet\n", r.Path())
		return
	}
	state := "fresh"
	if r.Stale() {
		state = "stale"
	}
	fmt.Fprintf(out, "  %s updated %s (%s)\n", r.Path(), humanize.Time(time.Now().Add(-age)), state)
}
